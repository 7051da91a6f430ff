// Package remote runs commands on targets over pooled SSH connections.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/semaphore"

	"fleetmon/internal/config"
	"fleetmon/internal/logging"
	"fleetmon/internal/models"
)

const (
	cleanupGrace     = 2 * time.Second
	keepaliveTimeout = 2 * time.Second
)

// Executor runs a command on a target and returns its trimmed output.
type Executor interface {
	Execute(ctx context.Context, targetID, command string, timeout time.Duration) (string, error)
}

// TargetLookup resolves target ids to their static definition.
type TargetLookup interface {
	Target(id string) (models.Target, bool)
}

// SSHChannel is an Executor that keeps one SSH client per target. Calls for
// the same target are serialized; different targets run in parallel.
type SSHChannel struct {
	targets         TargetLookup
	profiles        map[string]config.CredentialProfile
	dialTimeout     time.Duration
	commandTimeout  time.Duration
	defaultPort     int
	hostKeyCallback ssh.HostKeyCallback
	dialer          net.Dialer
	logger          *zap.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
	stale   map[string]bool
	locks   map[string]*semaphore.Weighted
	signers map[string]ssh.Signer
}

// NewSSHChannel creates a channel for the given remote settings.
func NewSSHChannel(cfg config.RemoteConfig, targets TargetLookup, logger *zap.Logger) (*SSHChannel, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	port := cfg.DefaultPort
	if port <= 0 {
		port = 22
	}

	return &SSHChannel{
		targets:         targets,
		profiles:        cfg.Profiles,
		dialTimeout:     cfg.DialTimeout.Duration,
		commandTimeout:  cfg.CommandTimeout.Duration,
		defaultPort:     port,
		hostKeyCallback: hostKeyCallback,
		logger:          logging.OrNop(logger).Named("remote"),
		clients:         make(map[string]*ssh.Client),
		stale:           make(map[string]bool),
		locks:           make(map[string]*semaphore.Weighted),
		signers:         make(map[string]ssh.Signer),
	}, nil
}

// Execute runs command on the target. It never retries.
func (c *SSHChannel) Execute(ctx context.Context, targetID, command string, timeout time.Duration) (string, error) {
	target, ok := c.targets.Target(targetID)
	if !ok {
		return "", newError(KindNotFound, targetID, errors.New("unknown target"))
	}
	if timeout <= 0 {
		timeout = c.commandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lock := c.lockFor(targetID)
	if err := lock.Acquire(ctx, 1); err != nil {
		return "", newError(KindTimeout, targetID, fmt.Errorf("waiting for connection: %w", err))
	}
	defer lock.Release(1)

	client, err := c.client(ctx, target)
	if err != nil {
		return "", err
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCommand(client, command)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(r.err, &exitErr) {
			return "", &Error{Kind: KindCommandFailed, TargetID: targetID, Output: r.out, Err: r.err}
		}
		c.discard(targetID, client)
		return "", newError(KindUnreachable, targetID, r.err)
	case <-ctx.Done():
		c.discard(targetID, client)
		select {
		case <-done:
		case <-time.After(cleanupGrace):
		}
		return "", newError(KindTimeout, targetID, ctx.Err())
	}
}

// Evict marks the cached connection for a target stale. Commands already
// running on it finish; the next Execute closes it and dials again.
func (c *SSHChannel) Evict(targetID string) {
	c.mu.Lock()
	if _, ok := c.clients[targetID]; ok {
		c.stale[targetID] = true
	}
	c.mu.Unlock()
}

// Close closes every cached connection.
func (c *SSHChannel) Close() error {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*ssh.Client)
	c.stale = make(map[string]bool)
	c.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *SSHChannel) lockFor(targetID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[targetID]
	if !ok {
		lock = semaphore.NewWeighted(1)
		c.locks[targetID] = lock
	}
	return lock
}

// client returns a healthy cached client or dials a new one. The caller
// holds the target lock.
func (c *SSHChannel) client(ctx context.Context, target models.Target) (*ssh.Client, error) {
	c.mu.Lock()
	cached := c.clients[target.ID]
	stale := c.stale[target.ID]
	delete(c.stale, target.ID)
	c.mu.Unlock()

	if cached != nil {
		switch {
		case stale:
			c.logger.Debug("Replacing evicted connection", zap.String("target", target.ID))
			c.discard(target.ID, cached)
		case alive(cached):
			return cached, nil
		default:
			c.logger.Debug("Discarding dead connection", zap.String("target", target.ID))
			c.discard(target.ID, cached)
		}
	}

	client, err := c.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.clients[target.ID] = client
	c.mu.Unlock()
	return client, nil
}

func (c *SSHChannel) dial(ctx context.Context, target models.Target) (*ssh.Client, error) {
	profileName := target.Profile
	if profileName == "" {
		profileName = string(target.OS)
	}
	profile, ok := c.profiles[profileName]
	if !ok {
		return nil, newError(KindAuthFailed, target.ID, fmt.Errorf("no credential profile %q", profileName))
	}
	signer, err := c.signer(profileName, profile)
	if err != nil {
		return nil, newError(KindAuthFailed, target.ID, err)
	}

	port := target.SSHPort
	if port <= 0 {
		port = c.defaultPort
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, target.ID, err)
		}
		return nil, newError(KindUnreachable, target.ID, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            profile.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.dialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, newError(KindAuthFailed, target.ID, err)
		}
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, target.ID, err)
		}
		return nil, newError(KindUnreachable, target.ID, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.logger.Debug("Connected", zap.String("target", target.ID), zap.String("addr", addr))
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *SSHChannel) signer(name string, profile config.CredentialProfile) (ssh.Signer, error) {
	c.mu.Lock()
	cached, ok := c.signers[name]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(profile.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var signer ssh.Signer
	if profile.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(profile.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}

	c.mu.Lock()
	c.signers[name] = signer
	c.mu.Unlock()
	return signer, nil
}

// discard closes client and removes it from the cache if it is still the
// cached one.
func (c *SSHChannel) discard(targetID string, client *ssh.Client) {
	c.mu.Lock()
	if c.clients[targetID] == client {
		delete(c.clients, targetID)
	}
	c.mu.Unlock()
	_ = client.Close()
}

func alive(client *ssh.Client) bool {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err == nil
	case <-time.After(keepaliveTimeout):
		return false
	}
}

func runCommand(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}
