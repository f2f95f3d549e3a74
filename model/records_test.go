package model

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestDisputeRecordApply_WriteOnceTimestamps(t *testing.T) {
	rec := NewDisputeRecord(common.HexToAddress("0xa1"), 7)
	first := time.Unix(1_700_000_000, 0).UTC()
	later := first.Add(time.Hour)

	if err := rec.Apply(DisputeUpdate{CreatedAt: &AppealTime{Appeal: 0, At: first}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := rec.Apply(DisputeUpdate{CreatedAt: &AppealTime{Appeal: 0, At: later}}); err != nil {
		t.Fatalf("apply again: %v", err)
	}

	got, ok := TimeAt(rec.CreatedAt, 0)
	if !ok || !got.Equal(first) {
		t.Fatalf("expected createdAt %s to be kept, got %s (set=%v)", first, got, ok)
	}
}

func TestDisputeRecordApply_RejectsIndexBeyondAppeals(t *testing.T) {
	rec := NewDisputeRecord(common.HexToAddress("0xa1"), 7)

	err := rec.Apply(DisputeUpdate{
		NumberOfAppeals: 1,
		Deadline:        &AppealTime{Appeal: 2, At: time.Now()},
	})
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
	if len(rec.Deadlines) != 0 {
		t.Fatalf("expected no deadline to be written, got %v", rec.Deadlines)
	}
}

func TestDisputeRecordApply_DrawsUnion(t *testing.T) {
	rec := NewDisputeRecord(common.HexToAddress("0xa1"), 7)

	for _, draws := range [][]uint64{{3, 1}, {1, 2}} {
		if err := rec.Apply(DisputeUpdate{NumberOfAppeals: 1, Draws: &AppealDraws{Appeal: 1, Draws: draws}}); err != nil {
			t.Fatalf("apply draws: %v", err)
		}
	}

	if len(rec.DrawsAt(0)) != 0 {
		t.Fatalf("expected no draws in appeal 0, got %v", rec.DrawsAt(0))
	}
	got := rec.DrawsAt(1)
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected draws %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected draws %v got %v", want, got)
		}
	}
}

func TestDisputeRecordApply_TokenShiftOncePerKey(t *testing.T) {
	rec := NewDisputeRecord(common.HexToAddress("0xa1"), 7)

	shifts := []TokenShift{
		{Key: "0x01:0", Amount: big.NewInt(5)},
		{Key: "0x01:0", Amount: big.NewInt(5)},
		{Key: "0x02:3", Amount: big.NewInt(-8)},
	}
	for _, s := range shifts {
		if err := rec.Apply(DisputeUpdate{TokenShift: &s}); err != nil {
			t.Fatalf("apply shift: %v", err)
		}
	}

	if rec.NetTokenShift.Cmp(big.NewInt(-3)) != 0 {
		t.Fatalf("expected net shift -3, got %s", rec.NetTokenShift)
	}
}

func TestDisputeRecordValidate(t *testing.T) {
	rec := NewDisputeRecord(common.HexToAddress("0xa1"), 7)
	rec.Draws = [][]uint64{{1}, {2}, {3}}

	if err := rec.Validate(2); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
	if err := rec.Validate(1); !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
}

func TestProfileIsParty(t *testing.T) {
	me := common.HexToAddress("0xbeef")
	agreement := common.HexToAddress("0xc0")
	p := Profile{
		Account:   me,
		Contracts: []ContractRecord{{Address: agreement, PartyA: common.HexToAddress("0x01"), PartyB: me}},
	}

	if !p.IsParty(agreement) {
		t.Fatal("expected account to be party B")
	}
	if p.IsParty(common.HexToAddress("0xc1")) {
		t.Fatal("expected unknown agreement not to match")
	}
}

func TestProfileApplyDispute_CreatesThenMerges(t *testing.T) {
	arb := common.HexToAddress("0xa1")
	p := Profile{Account: common.HexToAddress("0x01")}

	rec, err := p.ApplyDispute(arb, 3, DisputeUpdate{Draws: &AppealDraws{Appeal: 0, Draws: []uint64{2}}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(p.Disputes) != 1 || len(rec.DrawsAt(0)) != 1 {
		t.Fatalf("expected one record with one draw, got %+v", p.Disputes)
	}

	snapshot := p.Clone()
	if _, err := p.ApplyDispute(arb, 3, DisputeUpdate{Draws: &AppealDraws{Appeal: 0, Draws: []uint64{1}}}); err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if len(p.Disputes) != 1 {
		t.Fatalf("expected record to be merged, got %d records", len(p.Disputes))
	}
	if got := p.Disputes[0].DrawsAt(0); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected draws %v", got)
	}
	if got := snapshot.Disputes[0].DrawsAt(0); len(got) != 1 {
		t.Fatalf("clone shares draws with the original: %v", got)
	}
}

func TestProfilePutContract_MergesNonEmptyFields(t *testing.T) {
	addr := common.HexToAddress("0xc0")
	p := Profile{Account: common.HexToAddress("0x01")}
	p.PutContract(ContractRecord{
		Address:     addr,
		PartyA:      p.Account,
		Description: "first",
		Evidence:    []Evidence{{Name: "a", URL: "https://e/a"}},
	})
	merged := p.PutContract(ContractRecord{
		Address:  addr,
		PartyB:   common.HexToAddress("0x02"),
		Evidence: []Evidence{{Name: "a", URL: "https://e/a"}, {Name: "b", URL: "https://e/b"}},
	})

	if merged.Description != "first" || merged.PartyA != p.Account {
		t.Fatalf("expected existing fields kept, got %+v", merged)
	}
	if merged.PartyB != common.HexToAddress("0x02") {
		t.Fatalf("expected partyB set, got %s", merged.PartyB)
	}
	if len(merged.Evidence) != 2 {
		t.Fatalf("expected evidence union of 2, got %d", len(merged.Evidence))
	}
	if !p.IsParty(addr) {
		t.Fatalf("expected account to be a party")
	}
}
