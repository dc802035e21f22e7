package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"inet.af/natpmp/natpmp"
)

const (
	// minRenewal bounds how often a mapping is renewed.
	minRenewal = 1 * time.Second

	// retryDelay is the wait before renewing again after a failed renewal.
	retryDelay = 1 * time.Minute
)

// A mapper creates and deletes port mappings; *natpmp.Client implements it.
type mapper interface {
	Map(ctx context.Context, mr natpmp.MappingRequest) (*natpmp.MapResponse, error)
	Unmap(ctx context.Context, op natpmp.Operation, internalPort int) (*natpmp.MapResponse, error)
}

var _ mapper = (*natpmp.Client)(nil)

// A keeper holds a port mapping open by renewing it at half its granted
// lifetime, as recommended by RFC 6886, section 3.3.
type keeper struct {
	m       mapper
	clk     clock.Clock
	log     *zap.Logger
	out     io.Writer
	timeout time.Duration
}

// run renews the mapping described by mr, last granted as res, until ctx is
// canceled. The mapping is then deleted.
func (k *keeper) run(ctx context.Context, mr natpmp.MappingRequest, res *natpmp.MapResponse) error {
	last, lastAt := res, k.clk.Now()
	wait := renewAfter(res.Lifetime)

	for {
		t := k.clk.Timer(wait)
		k.log.Debug("waiting to renew mapping", zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			t.Stop()
			return k.release(mr)
		case <-t.C:
		}

		next, err := k.renew(ctx, mr)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}

			k.log.Warn("failed to renew mapping", zap.Error(err))
			wait = retryDelay
			continue
		}

		now := k.clk.Now()
		if rebooted(last.SinceStartOfEpoch, next.SinceStartOfEpoch, now.Sub(lastAt)) {
			k.log.Info("gateway lost its mapping state, mapping recreated",
				zap.Duration("previous_epoch", last.SinceStartOfEpoch),
				zap.Duration("epoch", next.SinceStartOfEpoch))
		}

		if next.ExternalPort != last.ExternalPort {
			fmt.Fprintf(k.out, "external port changed: %d -> %d\n", last.ExternalPort, next.ExternalPort)
		}

		last, lastAt = next, now
		wait = renewAfter(next.Lifetime)
	}
}

// renew performs a single renewal exchange. A refusal by the gateway is
// reported as an error.
func (k *keeper) renew(ctx context.Context, mr natpmp.MappingRequest) (*natpmp.MapResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	res, err := k.m.Map(ctx, mr)
	if err != nil {
		return nil, err
	}
	if err := res.Result.Err(); err != nil {
		return nil, err
	}

	k.log.Debug("renewed mapping",
		zap.Int("internal_port", res.InternalPort),
		zap.Int("external_port", res.ExternalPort),
		zap.Duration("lifetime", res.Lifetime))

	return res, nil
}

// release deletes the mapping. The caller's context is already done, so the
// deletion runs under its own timeout.
func (k *keeper) release(mr natpmp.MappingRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	res, err := k.m.Unmap(ctx, mr.Operation(), mr.InternalPort())
	if err != nil {
		return err
	}
	if err := res.Result.Err(); err != nil {
		return err
	}

	fmt.Fprintf(k.out, "deleted %s mapping for internal port %d\n", protocolName(mr.Operation()), mr.InternalPort())
	return nil
}

func renewAfter(lifetime time.Duration) time.Duration {
	if d := lifetime / 2; d > minRenewal {
		return d
	}
	return minRenewal
}

// rebooted reports whether a gateway's epoch advanced by less than expected
// over elapsed, which indicates that the gateway restarted and lost its
// mappings. The check follows RFC 6886, section 3.6: the new epoch must be at
// least the previous epoch plus 7/8 of the elapsed time, less two seconds of
// slack.
func rebooted(prev, next, elapsed time.Duration) bool {
	return next < prev+elapsed*7/8-2*time.Second
}
