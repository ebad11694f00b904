// tgimport - Telegram session import core.
// Copyright (C) 2026 The tgimport Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package mtengine implements connection.Engine on top of the gotd MTProto
// client. It can adopt imported authorization keys by writing them into the
// account's session storage before the client starts.
package mtengine

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/zerozap"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"go.mau.fi/tgimport/pkg/connection"
)

var (
	ErrNotRunning   = errors.New("telegram client is not running")
	ErrUnauthorized = errors.New("session is not authorized")
	ErrUserMismatch = errors.New("session belongs to a different user")
)

// authErrors are RPC errors meaning the key will never work again.
var authErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_PERM_EMPTY",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

type DeviceInfo struct {
	DeviceModel    string `yaml:"device_model"`
	SystemVersion  string `yaml:"system_version"`
	AppVersion     string `yaml:"app_version"`
	SystemLangCode string `yaml:"system_lang_code"`
	LangCode       string `yaml:"lang_code"`
}

func (d DeviceInfo) config() telegram.DeviceConfig {
	return telegram.DeviceConfig{
		DeviceModel:    d.DeviceModel,
		SystemVersion:  d.SystemVersion,
		AppVersion:     d.AppVersion,
		SystemLangCode: d.SystemLangCode,
		LangCode:       d.LangCode,
	}
}

const (
	ProxyNone    = ""
	ProxyMTProxy = "mtproxy"
	ProxySOCKS5  = "socks5"
)

type ProxyConfig struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address"`
	// Secret is the hex encoded MTProxy secret.
	Secret   string `yaml:"secret"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Resolver returns the gotd DC resolver for the proxy, or nil if no proxy is
// configured.
func (p ProxyConfig) Resolver() (dcs.Resolver, error) {
	switch p.Type {
	case ProxyNone:
		return nil, nil
	case ProxyMTProxy:
		secret, err := hex.DecodeString(p.Secret)
		if err != nil {
			return nil, errors.Wrap(err, "decode mtproxy secret")
		}
		resolver, err := dcs.MTProxy(p.Address, secret, dcs.MTProxyOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "create mtproxy resolver")
		}
		return resolver, nil
	case ProxySOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", p.Address, auth, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, "create socks5 dialer")
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer doesn't support contexts")
		}
		return dcs.Plain(dcs.PlainOptions{Dial: ctxDialer.DialContext}), nil
	default:
		return nil, errors.Errorf("unknown proxy type %q", p.Type)
	}
}

type Config struct {
	APIID      int         `yaml:"api_id"`
	APIHash    string      `yaml:"api_hash"`
	DeviceInfo DeviceInfo  `yaml:"device_info"`
	Proxy      ProxyConfig `yaml:"proxy"`

	// IdentityTimeoutSeconds limits how long transient errors while
	// fetching the authorized user are retried.
	IdentityTimeoutSeconds int `yaml:"identity_timeout_seconds"`
}

func (c Config) identityBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	if c.IdentityTimeoutSeconds > 0 {
		b.MaxElapsedTime = time.Duration(c.IdentityTimeoutSeconds) * time.Second
	} else {
		b.MaxElapsedTime = 20 * time.Second
	}
	return b
}

// Engine runs one gotd client for one account slot.
type Engine struct {
	cfg     Config
	account int
	storage session.Storage
	log     zerolog.Logger

	lock     sync.Mutex
	client   *telegram.Client
	seededDC int
}

var (
	_ connection.Engine           = (*Engine)(nil)
	_ connection.CredentialSeeder = (*Engine)(nil)
)

func New(cfg Config, account int, storage session.Storage, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		account: account,
		storage: storage,
		log:     log.With().Str("component", "mtengine").Int("account", account).Logger(),
	}
}

// SessionStorageProvider returns the session storage of an account slot.
type SessionStorageProvider func(account int) session.Storage

// Factory returns an engine factory that creates gotd engines backed by the
// given session storage.
func Factory(cfg Config, storage SessionStorageProvider, log zerolog.Logger) connection.EngineFactory {
	return func(account int) (connection.Engine, error) {
		return New(cfg, account, storage(account), log), nil
	}
}

// SeedCredentials stores the imported key as the account's session, so the
// next client run connects to dc with it instead of generating a new key.
func (e *Engine) SeedCredentials(ctx context.Context, dc int, authKey []byte) error {
	var key crypto.Key
	if len(authKey) != len(key) {
		return errors.Errorf("auth key must be %d bytes, got %d", len(key), len(authKey))
	}
	copy(key[:], authKey)
	keyID := key.ID()
	loader := session.Loader{Storage: e.storage}
	if err := loader.Save(ctx, &session.Data{
		DC:        dc,
		AuthKey:   key[:],
		AuthKeyID: keyID[:],
	}); err != nil {
		return errors.Wrap(err, "save session")
	}
	e.lock.Lock()
	e.seededDC = dc
	e.lock.Unlock()
	e.log.Debug().Int("dc_id", dc).Hex("auth_key_id", keyID[:]).Msg("Stored imported auth key")
	return nil
}

func (e *Engine) options(log zerolog.Logger, delegate connection.Delegate) (telegram.Options, bool, error) {
	resolver, err := e.cfg.Proxy.Resolver()
	if err != nil {
		return telegram.Options{}, false, err
	}
	e.lock.Lock()
	dc := e.seededDC
	e.lock.Unlock()
	opts := telegram.Options{
		SessionStorage: e.storage,
		Logger:         zap.New(zerozap.New(log)),
		Device:         e.cfg.DeviceInfo.config(),
		NoUpdates:      true,
		DC:             dc,
		OnDead: func(err error) {
			log.Debug().Err(err).Msg("Telegram connection died")
			delegate.OnConnectionStateChanged(connection.StateConnecting)
		},
	}
	if resolver != nil {
		opts.Resolver = resolver
	}
	return opts, resolver != nil, nil
}

// Start creates a client, waits until it has connected and then confirms the
// authorized user in the background.
func (e *Engine) Start(ctx context.Context, params connection.StartParams, delegate connection.Delegate) error {
	log := e.log.With().Str("action", "start").Logger()
	opts, proxied, err := e.options(log, delegate)
	if err != nil {
		return err
	}
	if proxied {
		delegate.OnConnectionStateChanged(connection.StateConnectingToProxy)
	} else {
		delegate.OnConnectionStateChanged(connection.StateConnecting)
	}
	client := telegram.NewClient(e.cfg.APIID, e.cfg.APIHash, opts)

	ctx, cancel := context.WithCancel(ctx)
	initialized := exsync.NewEvent()
	errC := make(chan error, 1)
	go func() {
		defer close(errC)
		errC <- client.Run(ctx, func(ctx context.Context) error {
			e.setClient(client)
			defer e.setClient(nil)
			delegate.OnConnectionStateChanged(connection.StateConnected)
			initialized.Set()
			e.confirmIdentity(ctx, client, params, delegate)
			<-ctx.Done()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		})
	}()

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case err := <-errC:
		cancel()
		if err == nil {
			err = errors.New("client stopped before initializing")
		}
		return errors.Wrap(err, "run client")
	case <-initialized.GetChan():
	}

	go func() {
		defer cancel()
		if err := <-errC; err != nil && ctx.Err() == nil {
			log.Err(err).Msg("Telegram client stopped")
			delegate.OnError(err)
		}
	}()
	return nil
}

func (e *Engine) confirmIdentity(ctx context.Context, client *telegram.Client, params connection.StartParams, delegate connection.Delegate) {
	log := e.log.With().Str("action", "confirm identity").Logger()
	delegate.OnConnectionStateChanged(connection.StateUpdating)
	var status *auth.Status
	err := backoff.Retry(func() (err error) {
		status, err = client.Auth().Status(ctx)
		if err == nil {
			return nil
		} else if ctx.Err() != nil || tgerr.Is(err, authErrors...) {
			return backoff.Permanent(err)
		}
		log.Debug().Err(err).Msg("Failed to fetch auth status, retrying")
		return err
	}, backoff.WithContext(e.cfg.identityBackoff(), ctx))
	if ctx.Err() != nil {
		return
	}
	delegate.OnConnectionStateChanged(connection.StateConnected)
	reportIdentity(log, status, err, params, delegate)
}

// reportIdentity turns the result of the auth status check into exactly one
// delegate event.
func reportIdentity(log zerolog.Logger, status *auth.Status, err error, params connection.StartParams, delegate connection.Delegate) {
	switch {
	case err != nil && params.UserID != 0 && tgerr.Is(err, authErrors...):
		log.Warn().Err(err).Msg("Stored session was revoked")
		delegate.OnLogout()
	case err != nil:
		delegate.OnError(errors.Wrap(err, "fetch auth status"))
	case status == nil || !status.Authorized || status.User == nil:
		if params.UserID != 0 {
			delegate.OnLogout()
		} else {
			delegate.OnError(ErrUnauthorized)
		}
	case params.UserID != 0 && status.User.ID != params.UserID:
		log.Warn().
			Int64("expected_user_id", params.UserID).
			Int64("actual_user_id", status.User.ID).
			Msg("Session is authorized as an unexpected user")
		delegate.OnError(ErrUserMismatch)
	default:
		log.Info().Int64("user_id", status.User.ID).Msg("Session is authorized")
		delegate.OnIdentity(status.User.ID)
	}
}

func (e *Engine) setClient(client *telegram.Client) {
	e.lock.Lock()
	e.client = client
	e.lock.Unlock()
}

func (e *Engine) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	e.lock.Lock()
	client := e.client
	e.lock.Unlock()
	if client == nil {
		return ErrNotRunning
	}
	return client.Invoke(ctx, input, output)
}
