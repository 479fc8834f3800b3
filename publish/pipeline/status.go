package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/devreg/protocol/publish/manifest"
)

const statusConcurrency = 8

// Entry is a recorded deployment with its current on-chain state.
type Entry struct {
	manifest.Deployment
	HasCode bool
	// Current is the implementation a proxy points at now.
	Current common.Address
}

// Healthy reports whether the deployment still has code and, for proxies,
// still points at the recorded implementation.
func (e Entry) Healthy() bool {
	if !e.HasCode {
		return false
	}
	return e.Kind != manifest.KindProxy || e.Current == e.Implementation
}

// Status lists every deployment the manifest holds for the connected chain,
// checking code at each address concurrently.
func (r *Runner) Status(ctx context.Context) (_ []Entry, err error) {
	if r.manifest == nil {
		return nil, errors.New("no deployment manifest configured")
	}
	ctx, span := r.startSpan(ctx, "publish.status")
	defer func() { endSpan(span, err) }()

	records, err := r.manifest.List(ctx, r.chain.ChainID())
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusConcurrency)
	for i, d := range records {
		entries[i].Deployment = d
		g.Go(func() error {
			ok, err := r.hasCode(gctx, d.Address)
			if err != nil {
				return fmt.Errorf("check %s at %s: %w", d.Contract, d.Address.Hex(), err)
			}
			entries[i].HasCode = ok
			if d.Kind != manifest.KindProxy || !ok {
				return nil
			}
			current, err := r.chain.ImplementationOf(gctx, d.Address)
			if err != nil {
				return err
			}
			entries[i].Current = current
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if !e.Healthy() {
			r.log.Warn("deployment drifted", "contract", e.Contract, "kind", string(e.Kind), "address", e.Address.Hex())
		}
	}
	return entries, nil
}
