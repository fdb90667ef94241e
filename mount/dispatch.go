// Copyright (C) 2022 Sneller, Inc.
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
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mount

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coldmount/store/cache"
	"github.com/coldmount/store/schema"
)

// ReadResult is one Read operator's outcome, tagged with the
// (operand, operator) position it occupied in the original packet
// so Dispatch can return them in that order.
type ReadResult struct {
	OperandIdx  int
	OperatorIdx int
	FieldID     schema.FieldID
	Data        []byte
	Found       bool
}

// parserState counts outstanding worker tasks and collects Read
// responses for one dispatched packet. A sync.WaitGroup plays the
// role of an acquire/release counter with wait/notify-all on
// reaching zero.
type parserState struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	results []ReadResult
	errs    []error
}

func (ps *parserState) recordResult(r ReadResult) {
	ps.mu.Lock()
	ps.results = append(ps.results, r)
	ps.mu.Unlock()
}

func (ps *parserState) recordErr(err error) {
	ps.mu.Lock()
	ps.errs = append(ps.errs, err)
	ps.mu.Unlock()
}

// Dispatch runs every operand in pkt, fanning each one out to the
// core that owns its H (worker H mod cores), then blocks until
// all of them finish (the synchronous execute barrier) and
// returns the collected Read results in original packet order.
// An operand that fails (a schema unregistered since parse time, a
// cache that cannot open, an operator error) is skipped on its
// own: the other operands' results are still returned, alongside
// the joined per-operand errors. origin is the advisory-lock
// originator token threaded through every Write/WProc/Reset/
// Remove call this dispatch issues (cache.NewOriginToken() mints
// one per query).
func (m *Mount) Dispatch(pkt Packet, origin string) ([]ReadResult, error) {
	var ps parserState
	for oi, operand := range pkt.Operands {
		oi, operand := oi, operand
		core := m.coreFor(operand.H)
		ps.wg.Add(1)
		core.submit(func() {
			defer ps.wg.Done()
			m.runOperand(&ps, oi, operand, origin)
		})
	}
	ps.wg.Wait()

	sort.Slice(ps.results, func(i, j int) bool {
		a, b := ps.results[i], ps.results[j]
		if a.OperandIdx != b.OperandIdx {
			return a.OperandIdx < b.OperandIdx
		}
		return a.OperatorIdx < b.OperatorIdx
	})
	return ps.results, errors.Join(ps.errs...)
}

// runOperand executes one operand's operator chain against the
// MemoryCache its schema/core resolve to. A failure records its
// error and abandons this operand only; the rest of the packet's
// operands are unaffected. It always runs on the owning core's
// single goroutine (submitted via core.submit), so the cache
// calls it makes are already serialized.
func (m *Mount) runOperand(ps *parserState, operandIdx int, operand Operand, origin string) {
	v, ok := m.reg.Lookup(operand.SchemaCode)
	if !ok {
		ps.recordErr(fmt.Errorf("unknown schema code %d", operand.SchemaCode))
		return
	}
	core := m.coreFor(operand.H)
	mc, err := core.cacheFor(v)
	if err != nil {
		ps.recordErr(err)
		return
	}
	for opIdx, op := range operand.Ops {
		if err := m.runOperator(ps, mc, operandIdx, opIdx, operand, op, origin); err != nil {
			ps.recordErr(err)
			return
		}
	}
}

func (m *Mount) runOperator(ps *parserState, mc *cache.MemoryCache, operandIdx, opIdx int, operand Operand, op Operator, origin string) error {
	switch op.Kind {
	case qReset:
		return mc.Reset(operand.H, operand.PKey, operand.SortKey, origin)
	case qRemove:
		return mc.Remove(operand.H, operand.PKey, operand.SortKey, origin)
	case qWrite:
		return mc.Write(operand.H, operand.PKey, operand.SortKey, op.FieldID, op.Payload, origin)
	case qWProc:
		return mc.WProc(operand.H, operand.PKey, operand.SortKey, op.FieldID, op.Opcode, op.Payload, origin)
	case qRead:
		found, err := mc.Read(operand.H, operand.SortKey, cache.NewFieldSet(op.FieldID), func(fid schema.FieldID, data []byte) {
			ps.recordResult(ReadResult{OperandIdx: operandIdx, OperatorIdx: opIdx, FieldID: fid, Data: data, Found: true})
		})
		if err != nil {
			return err
		}
		if !found {
			ps.recordResult(ReadResult{OperandIdx: operandIdx, OperatorIdx: opIdx, FieldID: op.FieldID, Found: false})
		}
		return nil
	default:
		return fmt.Errorf("unknown operator byte %q", op.Kind)
	}
}
