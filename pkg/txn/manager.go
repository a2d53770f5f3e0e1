/**
 * Copyright 2020 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package txn

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	pcommon "github.com/dr0pdb/icecanetm/pkg/common"
	"github.com/dr0pdb/icecanetm/pkg/timeout"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
)

// TransactionManager creates transactions and owns everything they share:
// the configuration, the timeout table, the distributed coordinator used for
// promotion and the metric instruments.
type TransactionManager struct {
	conf        *pcommon.TMConfig
	table       *timeout.Table
	coordinator DistributedCoordinator
	meter       metric.Meter
	metrics     *txnMetrics

	closed atomic.Bool
}

// Option configures a TransactionManager.
type Option func(*TransactionManager)

// WithCoordinator sets the distributed coordinator transactions are promoted to.
// Without one, promotion fails and the transaction aborts.
func WithCoordinator(c DistributedCoordinator) Option {
	return func(tm *TransactionManager) {
		tm.coordinator = c
	}
}

// WithMeter sets the meter the manager creates its instruments with.
func WithMeter(m metric.Meter) Option {
	return func(tm *TransactionManager) {
		tm.meter = m
	}
}

// NewTransactionManager creates a new transaction manager. A nil config selects the defaults.
func NewTransactionManager(conf *pcommon.TMConfig, opts ...Option) (*TransactionManager, error) {
	log.Info("txn::manager::NewTransactionManager; started")
	if conf == nil {
		conf = pcommon.NewDefaultTMConfig()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	tm := &TransactionManager{conf: conf}
	for _, opt := range opts {
		opt(tm)
	}

	table, err := timeout.NewTable(timeout.Config{
		TickInterval:   conf.TickInterval.Std(),
		BucketCapacity: conf.BucketCapacity,
		LogTimeouts:    conf.LogTimeouts,
	})
	if err != nil {
		return nil, err
	}
	tm.table = table

	metrics, err := newTxnMetrics(tm.meter)
	if err != nil {
		return nil, err
	}
	tm.metrics = metrics

	log.Info("txn::manager::NewTransactionManager; done")
	return tm, nil
}

// Begin starts a new transaction.
func (tm *TransactionManager) Begin(opts TransactionOptions) (*CommittableTransaction, error) {
	if tm.closed.Load() {
		return nil, common.NewStateViolationError("transaction manager is closed")
	}
	if opts.IsolationLevel < Serializable || opts.IsolationLevel > Unspecified {
		return nil, common.NewInvalidOptionError(fmt.Sprintf("unknown isolation level %d", opts.IsolationLevel))
	}
	d, err := tm.effectiveTimeout(opts.Timeout)
	if err != nil {
		return nil, err
	}

	t := newInternalTransaction(tm, opts, d)
	ct := &CommittableTransaction{Transaction: Transaction{t: t}}
	t.committable = ct

	t.mu.Lock()
	if d != InfiniteTimeout {
		slot, err := tm.table.Add(expiry{t: t}, d)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.slot = slot
	}
	t.mu.Unlock()

	tm.metrics.begun()
	log.WithFields(log.Fields{"txnID": t.id, "timeout": d, "isolation": opts.IsolationLevel}).Debug("txn::manager::Begin; transaction started")
	return ct, nil
}

// effectiveTimeout applies the configured default and cap to a requested timeout.
func (tm *TransactionManager) effectiveTimeout(d time.Duration) (time.Duration, error) {
	switch {
	case d == InfiniteTimeout:
		return InfiniteTimeout, nil
	case d < 0:
		return 0, common.NewInvalidOptionError(fmt.Sprintf("invalid transaction timeout %s", d))
	case d == 0:
		d = tm.conf.DefaultTimeout.Std()
		if d == 0 {
			return InfiniteTimeout, nil
		}
	}
	if max := tm.conf.MaxTimeout.Std(); max > 0 && d > max {
		d = max
	}
	return d, nil
}

// Pending returns the number of transactions waiting in the timeout table.
func (tm *TransactionManager) Pending() int64 {
	return tm.table.Len()
}

// Close stops the expiration timer. Transactions still running are never timed out afterwards.
func (tm *TransactionManager) Close() {
	if tm.closed.Swap(true) {
		return
	}
	log.Info("txn::manager::Close; stopping transaction manager")
	tm.table.Close()
}
