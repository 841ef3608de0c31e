/*
Copyright 2025 PurchaseKit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
)

const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
	StrategyCustom      = "custom"
)

// DelayFunc computes the wait before the next attempt for custom policies.
// attempt is 1-based and counts tries already made.
type DelayFunc func(attempt int) time.Duration

// Policy describes how failed operations are retried.
type Policy struct {
	Strategy    string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	CustomDelay DelayFunc
}

// PolicyFromConfig builds the default policy from the retry section.
func PolicyFromConfig(cnf *config.Configuration) Policy {
	return Policy{
		Strategy:   cnf.Retry.Strategy,
		MaxRetries: cnf.Retry.MaxAttempts(),
		BaseDelay:  cnf.Retry.BaseDelay(),
		MaxDelay:   cnf.Retry.MaxDelay(),
		Multiplier: cnf.Retry.BackoffMultiplier(),
	}
}

type attemptRecord struct {
	count       int
	lastAttempt time.Time
}

// Manager tracks per-operation attempt counts and computes retry delays.
// Keys are caller-chosen operation identities, typically
// "<operation>:<entity id>".
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	attempts map[string]*attemptRecord
}

func NewManager(policy Policy) *Manager {
	if policy.Strategy == "" {
		policy.Strategy = StrategyExponential
	}
	if policy.Strategy == StrategyCustom && policy.CustomDelay == nil {
		logrus.Warn("custom retry strategy configured without a delay function, falling back to exponential")
		policy.Strategy = StrategyExponential
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	return &Manager{
		policy:   policy,
		attempts: make(map[string]*attemptRecord),
	}
}

func NewManagerFromConfig(cnf *config.Configuration) *Manager {
	return NewManager(PolicyFromConfig(cnf))
}

// RecordAttempt bumps the attempt count for the key. The initial try counts
// as attempt one; everything after it is a retry.
func (m *Manager) RecordAttempt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		m.attempts[key] = rec
	}
	rec.count++
	rec.lastAttempt = time.Now()
}

// Attempts returns how many tries have been recorded for the key.
func (m *Manager) Attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.attempts[key]; ok {
		return rec.count
	}
	return 0
}

// Reset forgets the key entirely.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
}

// ClearAll forgets every tracked key.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = make(map[string]*attemptRecord)
}

// ClearExpired drops keys whose last attempt is older than the given age and
// returns how many were dropped.
func (m *Manager) ClearExpired(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	cleared := 0
	for key, rec := range m.attempts {
		if rec.lastAttempt.Before(cutoff) {
			delete(m.attempts, key)
			cleared++
		}
	}
	return cleared
}

// HasReachedMax reports whether the retry budget for the key is exhausted.
// MaxRetries bounds total recorded attempts, so a budget of three allows
// three tries in all and zero disables the operation outright.
func (m *Manager) HasReachedMax(key string) bool {
	return m.Attempts(key) >= m.policy.MaxRetries
}

// ShouldRetry reports whether the operation behind key should run again
// after failing with err. Beyond the taxonomy and budget checks, the
// backoff delay for the last recorded attempt must have elapsed: a caller
// polling right after a failure is told to wait.
func (m *Manager) ShouldRetry(key string, err error) bool {
	if err == nil {
		return false
	}
	if m.policy.MaxRetries <= 0 {
		return false
	}
	if !apierror.Retryable(err) {
		return false
	}

	m.mu.Lock()
	rec, ok := m.attempts[key]
	var count int
	var last time.Time
	if ok {
		count = rec.count
		last = rec.lastAttempt
	}
	m.mu.Unlock()

	if !ok {
		return true
	}
	if count >= m.policy.MaxRetries {
		return false
	}
	return time.Since(last) >= m.DelayForAttempt(count)
}

// Delay returns how long to wait before the next attempt for the key, based
// on the attempts recorded so far.
func (m *Manager) Delay(key string) time.Duration {
	attempt := m.Attempts(key)
	if attempt < 1 {
		attempt = 1
	}
	return m.DelayForAttempt(attempt)
}

// DelayForAttempt computes the policy delay after the given 1-based attempt.
// Linear and exponential delays are capped at MaxDelay once it is set.
func (m *Manager) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch m.policy.Strategy {
	case StrategyFixed:
		delay = m.policy.BaseDelay
	case StrategyLinear:
		delay = m.policy.BaseDelay * time.Duration(attempt)
	case StrategyCustom:
		delay = m.policy.CustomDelay(attempt)
	default: // exponential
		factor := math.Pow(m.policy.Multiplier, float64(attempt-1))
		delay = time.Duration(float64(m.policy.BaseDelay) * factor)
	}
	if m.policy.MaxDelay > 0 && delay > m.policy.MaxDelay {
		delay = m.policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ExecuteWithRetry runs fn, retrying per policy until it succeeds, fails
// with a non-retryable error, exhausts the budget, or the context is
// cancelled. Waits go through a timer select so cancellation interrupts
// them; a zero delay fires the timer immediately rather than spinning. The
// explicit wait below is what satisfies the backoff gate, so the loop
// checks taxonomy and budget directly instead of polling ShouldRetry.
func (m *Manager) ExecuteWithRetry(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted for %s: %w", key, err)
		}

		m.RecordAttempt(key)
		err := fn(ctx)
		if err == nil {
			m.Reset(key)
			return nil
		}
		if !apierror.Retryable(err) || m.HasReachedMax(key) {
			return err
		}

		timer := time.NewTimer(m.Delay(key))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted for %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
