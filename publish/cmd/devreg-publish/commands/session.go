package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devreg/protocol/publish"
	"github.com/devreg/protocol/publish/artifact"
	"github.com/devreg/protocol/publish/config"
	"github.com/devreg/protocol/publish/logging"
	"github.com/devreg/protocol/publish/manifest"
	"github.com/devreg/protocol/publish/pipeline"
	"github.com/devreg/protocol/publish/telemetry"
)

const serviceName = "devreg-publish"

// session holds everything a chain-facing command needs. Close releases it.
type session struct {
	log       *logging.Logger
	network   config.Resolved
	artifacts *artifact.Store
	deployer  *publish.Deployer
	manifest  *manifest.Store
	runner    *pipeline.Runner
	shutdown  func(context.Context) error
}

func (o *options) loadFile() (config.File, error) {
	// an explicitly chosen config file must exist
	return config.Load(o.configPath, o.configPath != config.DefaultPath)
}

func (o *options) logger() (*logging.Logger, error) {
	log, err := logging.New(o.logMode)
	if err != nil {
		return nil, usageError{err}
	}
	return log, nil
}

func (o *options) artifactStore(file config.File) *artifact.Store {
	dir := o.artifacts
	if dir == "" {
		dir = file.Artifacts
	}
	return artifact.NewStore(dir)
}

func (o *options) open(ctx context.Context) (_ *session, err error) {
	log, err := o.logger()
	if err != nil {
		return nil, err
	}
	s := &session{log: log, shutdown: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	file, err := o.loadFile()
	if err != nil {
		return nil, err
	}
	libs, err := config.ParseLibraries(o.libraries)
	if err != nil {
		return nil, usageError{err}
	}
	s.network, err = file.Resolve(o.network, config.Overrides{
		RPCURL:     o.rpcURL,
		ChainID:    o.chainID,
		PrivateKey: o.privateKey,
		GasFeeCap:  o.gasFeeCap,
		GasTipCap:  o.gasTipCap,
		Factory:    o.factory,
		Admin:      o.admin,
		Libraries:  libs,
	}, o.lookup)
	if err != nil {
		return nil, err
	}
	key, addr, err := s.network.Signer()
	if err != nil {
		return nil, err
	}
	s.log = log.With("network", s.network.Name)
	s.log.Info("network resolved", "url", s.network.URL, "chain_id", s.network.ChainID, "account", addr.Hex())

	s.shutdown, err = telemetry.Setup(ctx, serviceName, telemetry.Settings{
		Endpoint: o.env.OTelEndpoint,
		Enabled:  o.env.OTelEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	s.deployer, err = publish.NewDeployer(ctx, s.network.URL, key, publish.Options{
		ChainID:      s.network.ChainID,
		GasFeeCap:    s.network.GasFeeCap,
		GasTipCap:    s.network.GasTipCap,
		PollInterval: s.network.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", s.network.Name, err)
	}

	s.artifacts = o.artifactStore(file)
	if !o.noManifest {
		path := o.manifest
		if path == "" {
			path = file.Manifest
		}
		if s.manifest, err = manifest.Open(ctx, path); err != nil {
			return nil, err
		}
	}

	s.runner, err = pipeline.New(pipeline.Config{
		Chain:             s.deployer,
		Artifacts:         s.artifacts,
		Manifest:          s.manifest,
		Logger:            s.log,
		Tracer:            telemetry.Tracer(),
		Network:           s.network.Name,
		Factory:           s.network.Factory,
		FactorySaltSuffix: o.factorySalt,
		Admin:             s.network.Admin,
		Libraries:         s.network.Libraries,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdown(ctx); err != nil {
		s.log.Warn("telemetry shutdown", "error", err)
	}
	if s.manifest != nil {
		if err := s.manifest.Close(); err != nil {
			s.log.Warn("close manifest", "error", err)
		}
	}
	if s.deployer != nil {
		_ = s.deployer.Close()
	}
	s.log.Sync()
}

// withSession runs fn with a session bounded by --timeout.
func (o *options) withSession(ctx context.Context, fn func(context.Context, *session) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	s, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := fn(ctx, s); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", o.timeout, err)
		}
		return err
	}
	return nil
}

func parseAddress(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address: %s", v)
	}
	return common.HexToAddress(v), nil
}
