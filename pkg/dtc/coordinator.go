// Package dtc is an in-process distributed transaction coordinator.
// Transactions promoted out of a txn.TransactionManager are handed over to it.
package dtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	tokenTxnField         protowire.Number = 1
	tokenCoordinatorField protowire.Number = 2
)

// Coordinator owns a set of distributed transactions.
type Coordinator struct {
	id uuid.UUID

	mu            sync.Mutex
	txns          map[uuid.UUID]*Transaction
	outcomes      map[uuid.UUID]txn.Status
	promoterTypes map[uuid.UUID]struct{}
}

// NewCoordinator creates a coordinator. Tokens it issues can always be
// imported; extra promoter types are accepted as well.
func NewCoordinator(promoterTypes ...uuid.UUID) *Coordinator {
	c := &Coordinator{
		id:            uuid.New(),
		txns:          make(map[uuid.UUID]*Transaction),
		outcomes:      make(map[uuid.UUID]txn.Status),
		promoterTypes: make(map[uuid.UUID]struct{}),
	}
	c.promoterTypes[c.id] = struct{}{}
	for _, pt := range promoterTypes {
		c.promoterTypes[pt] = struct{}{}
	}
	log.WithFields(log.Fields{"coordinatorID": c.id}).Info("dtc::coordinator::NewCoordinator; done")
	return c
}

// PromoterType is the promoter type of tokens issued by this coordinator.
func (c *Coordinator) PromoterType() uuid.UUID {
	return c.id
}

// SupportsPromoter reports whether tokens of the promoter type can be imported.
func (c *Coordinator) SupportsPromoter(promoterType uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.promoterTypes[promoterType]
	return ok
}

// Create starts a distributed transaction. l may be nil.
func (c *Coordinator) Create(id uuid.UUID, timeout time.Duration, l txn.OutcomeListener) (txn.DistributedTransaction, error) {
	return c.Begin(id, timeout, l)
}

// Begin is Create returning the concrete type.
func (c *Coordinator) Begin(id uuid.UUID, timeout time.Duration, l txn.OutcomeListener) (*Transaction, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txns[id]; ok {
		return nil, common.NewStateViolationError(fmt.Sprintf("distributed transaction %s already exists", id))
	}
	t := newTransaction(c, id, timeout)
	if l != nil {
		t.listeners = append(t.listeners, l)
	}
	c.txns[id] = t
	log.WithFields(log.Fields{"dtxID": id, "timeout": timeout}).Info("dtc::coordinator::Begin; distributed transaction created")
	t.arm()
	return t, nil
}

// Import joins the transaction a token was issued for.
func (c *Coordinator) Import(token []byte, promoterType uuid.UUID, l txn.OutcomeListener) (txn.DistributedTransaction, error) {
	if !c.SupportsPromoter(promoterType) {
		return nil, common.NewUnsupportedPromoterTypeError(fmt.Sprintf("promoter type %s is not supported", promoterType))
	}
	id, coordinatorID, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}
	if coordinatorID != c.id {
		return nil, common.NewNotFoundError(fmt.Sprintf("token was issued by coordinator %s", coordinatorID))
	}

	t := c.Lookup(id)
	if t == nil {
		return nil, common.NewNotFoundError(fmt.Sprintf("distributed transaction %s not found", id))
	}
	if l != nil {
		t.addListener(l)
	}
	log.WithFields(log.Fields{"dtxID": id}).Info("dtc::coordinator::Import; distributed transaction imported")
	return t, nil
}

// Lookup returns the live transaction with the id, nil if there is none.
func (c *Coordinator) Lookup(id uuid.UUID) *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txns[id]
}

// Outcome returns the decided status of a transaction. ok is false while the
// transaction is undecided or unknown.
func (c *Coordinator) Outcome(id uuid.UUID) (txn.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.outcomes[id]
	return s, ok
}

// ResolveRecoveryInformation returns the outcome of the transaction a
// durable participant of this coordinator prepared for.
func (c *Coordinator) ResolveRecoveryInformation(info []byte) (txn.Status, bool) {
	_, token, err := txn.DecodeRecoveryInformation(info)
	if err != nil {
		return txn.StatusActive, false
	}
	id, coordinatorID, err := DecodeToken(token)
	if err != nil || coordinatorID != c.id {
		return txn.StatusActive, false
	}
	return c.Outcome(id)
}

// Active returns the number of undecided transactions.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txns)
}

func (c *Coordinator) record(id uuid.UUID, s txn.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[id] = s
	delete(c.txns, id)
}

// EncodeToken builds a propagation token.
func EncodeToken(txnID, coordinatorID uuid.UUID) []byte {
	var b []byte
	b = protowire.AppendTag(b, tokenTxnField, protowire.BytesType)
	b = protowire.AppendBytes(b, txnID[:])
	b = protowire.AppendTag(b, tokenCoordinatorField, protowire.BytesType)
	b = protowire.AppendBytes(b, coordinatorID[:])
	return b
}

// DecodeToken parses a propagation token.
func DecodeToken(token []byte) (txnID uuid.UUID, coordinatorID uuid.UUID, err error) {
	b := token
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return uuid.Nil, uuid.Nil, fmt.Errorf("invalid token: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return uuid.Nil, uuid.Nil, fmt.Errorf("invalid token: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return uuid.Nil, uuid.Nil, fmt.Errorf("invalid token: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case tokenTxnField:
			if txnID, err = uuid.FromBytes(v); err != nil {
				return uuid.Nil, uuid.Nil, fmt.Errorf("invalid token transaction id: %w", err)
			}
		case tokenCoordinatorField:
			if coordinatorID, err = uuid.FromBytes(v); err != nil {
				return uuid.Nil, uuid.Nil, fmt.Errorf("invalid token coordinator id: %w", err)
			}
		}
	}
	if txnID == uuid.Nil || coordinatorID == uuid.Nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("incomplete token")
	}
	return txnID, coordinatorID, nil
}
