package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/maintpwa/internal/app"
	"github.com/alfredjeanlab/maintpwa/internal/auth"
	"github.com/alfredjeanlab/maintpwa/internal/config"
	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/realtime"
	"github.com/alfredjeanlab/maintpwa/internal/settings"
)

const (
	keyringService  = "maintpwa"
	refreshInterval = 15 * time.Second
	startTimeout    = 15 * time.Second
)

// clientRuntime owns the shell and the providers behind it for the lifetime
// of one command.
type clientRuntime struct {
	shell *app.Shell
	auth  *auth.HTTPProvider
	rt    realtime.Provider
}

// openRuntime builds the shell from cfg and resolves the initial session.
// With live unset the realtime side is inert and the session is not
// refreshed in the background.
func openRuntime(ctx context.Context, c *config.Config, live bool) (*clientRuntime, error) {
	authOpts := []auth.HTTPOption{auth.WithLogger(logger)}
	if c.PersistSession {
		authOpts = append(authOpts, auth.WithSessionStorage(auth.NewKeyringStorage(keyringService), ""))
	}
	if c.AutoRefresh && live {
		authOpts = append(authOpts, auth.WithAutoRefresh(refreshInterval, c.RefreshMargin))
	}
	ap := auth.NewHTTPProvider(c.SupabaseURL, c.AnonKey, authOpts...)

	rt, err := newRealtime(c, live)
	if err != nil {
		ap.Close()
		return nil, err
	}

	storage, err := newSettingsStorage(c)
	if err != nil {
		ap.Close()
		closeRealtime(rt)
		return nil, err
	}

	r := &clientRuntime{
		shell: app.New(ap, rt, storage, app.WithLogger(logger)),
		auth:  ap,
		rt:    rt,
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := r.shell.Start(startCtx); err != nil {
		if r.shell.Store().Session().Status == model.StatusLoading {
			r.Close()
			return nil, err
		}
		logger.Warn("continuing signed out", "error", err)
	}
	return r, nil
}

func newRealtime(c *config.Config, live bool) (realtime.Provider, error) {
	if !live {
		return realtime.NoopProvider{}, nil
	}
	switch c.Realtime {
	case config.RealtimeNATS:
		p, err := realtime.NewNATSProvider(c.NATSURL, realtime.WithNATSLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		return p, nil
	default:
		p, err := realtime.NewPhoenixProvider(c.SupabaseURL, c.AnonKey,
			realtime.WithEventsPerSecond(c.EventsPerSecond),
			realtime.WithHeader("X-Client-Info", auth.DefaultClientInfo),
			realtime.WithPhoenixLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("configuring realtime: %w", err)
		}
		return p, nil
	}
}

func newSettingsStorage(c *config.Config) (settings.Storage, error) {
	path := c.SettingsPath
	if path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("locating settings: %w", err)
		}
		path = p
	}
	return settings.NewFileStorage(path), nil
}

func closeRealtime(rt realtime.Provider) error {
	if c, ok := rt.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Close tears down the shell first so no events are delivered while the
// transports shut down.
func (r *clientRuntime) Close() error {
	r.shell.Close()
	return errors.Join(closeRealtime(r.rt), r.auth.Close())
}
