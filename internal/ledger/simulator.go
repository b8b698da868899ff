package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"belief-market/internal/model"
)

// Simulator is an in-process ledger used by tests and local runs. A
// submission confirms after ConfirmAfter status polls; Latency delays every
// call and honours ctx so timeouts can be exercised.
type Simulator struct {
	mu           sync.Mutex
	factory      string
	ConfirmAfter int
	Latency      time.Duration

	slot    uint64
	txs     map[string]*simTx
	settled map[epochKey]string
	log     []Instruction
}

type epochKey struct {
	pool  string
	epoch int64
}

type simTx struct {
	receipt Receipt
	polls   int
}

func NewSimulator(factoryAuthority string) *Simulator {
	return &Simulator{
		factory: factoryAuthority,
		txs:     make(map[string]*simTx),
		settled: make(map[epochKey]string),
	}
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) FactoryAuthority(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.factory, nil
}

func (s *Simulator) Settle(ctx context.Context, ins Instruction) (Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return Receipt{}, err
	}
	if ins.Authority != s.factory {
		return Receipt{}, model.ErrAuthorityMismatch
	}
	if err := Verify(ins); err != nil {
		return Receipt{}, err
	}
	if ins.ScoreQ32 > 1<<32 {
		return Receipt{}, fmt.Errorf("score %d exceeds Q32.32 one", ins.ScoreQ32)
	}

	if ins.Epoch < 0 {
		return Receipt{}, fmt.Errorf("negative epoch %d", ins.Epoch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := epochKey{pool: ins.PoolAddress, epoch: ins.Epoch}
	if ref, ok := s.settled[key]; ok {
		return Receipt{}, fmt.Errorf("%w: %s epoch %d as %s", ErrAlreadySettled, ins.PoolAddress, ins.Epoch, ref)
	}
	s.slot++
	r := Receipt{TxRef: ins.Ref(), Confirmed: s.ConfirmAfter <= 0, Slot: s.slot}
	s.txs[r.TxRef] = &simTx{receipt: r}
	s.settled[key] = r.TxRef
	s.log = append(s.log, ins)
	return r, nil
}

func (s *Simulator) Status(ctx context.Context, txRef string) (Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txRef]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownTx, txRef)
	}
	tx.polls++
	if tx.polls >= s.ConfirmAfter {
		tx.receipt.Confirmed = true
	}
	return tx.receipt, nil
}

// Submissions returns every accepted instruction in order.
func (s *Simulator) Submissions() []Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Instruction(nil), s.log...)
}
