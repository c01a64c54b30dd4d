package fifo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/fifo"
)

// =============================================================================
// VERIFY
// =============================================================================

func TestVerify_CleanHistory(t *testing.T) {
	f := newFixture(t)
	history(t, f)

	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	assert.True(t, report.Clean())
	assert.Equal(t, 3, report.PairsChecked)
	assert.Zero(t, report.IssueCount())
}

func TestVerify_DetectsRemainingMismatch(t *testing.T) {
	// GIVEN: A lot remaining nudged by 3 outside the engine
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.sell(t, "s1", ship1, gin, "4", jan(2))
	lot := f.lots(t, ship1, gin)[0]
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, lot.LotID, d("9")))
	})

	// WHEN: Verifying
	report, err := f.eng.Verify(f.ctx, fifo.Scope{Location: ship1})
	require.NoError(t, err)

	// THEN: One remaining mismatch with expected and actual
	assert.False(t, report.Clean())
	require.Len(t, report.LotIssues, 1)
	is := report.LotIssues[0]
	assert.Equal(t, fifo.IssueRemainingMismatch, is.Code)
	assert.Equal(t, lot.LotID, is.LotID)
	assertDec(t, "6", is.Expected)
	assertDec(t, "9", is.Actual)
}

func TestVerify_IgnoresDriftWithinTolerance(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	lot := f.lots(t, ship1, gin)[0]
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, lot.LotID, d("9.9995")))
	})

	f.requireClean(t)
}

func TestVerify_DetectsSequenceGap(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "5", jan(2))
	out := f.sell(t, "s1", ship1, gin, "15", jan(3))
	require.Len(t, out.Records, 2)

	// Replace the second record with one numbered 3.
	f.mem.Corrupt(func(s fifo.Store) {
		_, err := s.DeleteRecordsForEvent(f.ctx, "s1")
		require.NoError(t, err)
		first, second := out.Records[0], out.Records[1]
		second.Sequence = 3
		require.NoError(t, s.InsertRecord(f.ctx, first))
		require.NoError(t, s.InsertRecord(f.ctx, second))
	})

	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CountByCode()[fifo.IssueSequenceGap])
	assert.Empty(t, report.LotIssues)
}

func TestVerify_DetectsFIFOOrderViolation(t *testing.T) {
	// GIVEN: A two-lot sale whose records were renumbered newest-first
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "5", jan(2))
	out := f.sell(t, "s1", ship1, gin, "15", jan(3))
	require.Len(t, out.Records, 2)
	f.mem.Corrupt(func(s fifo.Store) {
		_, err := s.DeleteRecordsForEvent(f.ctx, "s1")
		require.NoError(t, err)
		older, newer := out.Records[0], out.Records[1]
		older.Sequence, newer.Sequence = 2, 1
		require.NoError(t, s.InsertRecord(f.ctx, newer))
		require.NoError(t, s.InsertRecord(f.ctx, older))
	})

	// WHEN: Verifying
	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	// THEN: Only the ordering is wrong; per-lot totals still agree
	assert.False(t, report.Clean())
	assert.Empty(t, report.LotIssues)
	require.Len(t, report.EventIssues, 1)
	assert.Equal(t, fifo.IssueFIFOOrder, report.EventIssues[0].Code)
	assert.Equal(t, fifo.EventID("s1"), report.EventIssues[0].EventID)
	assert.Equal(t, out.Records[0].LotID, report.EventIssues[0].LotID)
}

func TestVerify_DetectsOverConsumption(t *testing.T) {
	// GIVEN: An extra record drawing 5 more from a fully consumed lot
	f := newFixture(t)
	a := f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	out := f.sell(t, "s1", ship1, gin, "10", jan(2))
	f.mem.Corrupt(func(s fifo.Store) {
		extra := out.Records[0]
		extra.ID = "extra-record"
		extra.Quantity = d("5")
		extra.Sequence = 2
		require.NoError(t, s.InsertRecord(f.ctx, extra))
	})

	// WHEN: Verifying
	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	// THEN: The lot is over-consumed and the sale no longer sums
	codes := report.CountByCode()
	assert.Equal(t, 1, codes[fifo.IssueOverConsumption])
	assert.Equal(t, 1, codes[fifo.IssueRemainingMismatch])
	assert.Equal(t, 1, codes[fifo.IssueQuantityMismatch])
	for _, is := range report.LotIssues {
		assert.Equal(t, a.Lot.ID, is.LotID)
		if is.Code == fifo.IssueOverConsumption {
			assertDec(t, "10", is.Expected)
			assertDec(t, "15", is.Actual)
		}
	}

	// AND: Fix leaves it for a rebuild
	fix, err := f.eng.Fix(f.ctx, fifo.Scope{})
	require.NoError(t, err)
	assert.Empty(t, fix.Fixed)
	assertDec(t, "0", f.lots(t, ship1, gin)[0].Remaining)
}

func TestVerify_DetectsRemainingOutOfRange(t *testing.T) {
	f := newFixture(t)
	a := f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, a.Lot.ID, d("-2")))
	})

	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	codes := report.CountByCode()
	assert.Equal(t, 1, codes[fifo.IssueRemainingRange])
	assert.Equal(t, 1, codes[fifo.IssueRemainingMismatch])
	assert.Zero(t, codes[fifo.IssueOverConsumption])
}

func TestTolerance_IsOneThousandth(t *testing.T) {
	assertDec(t, "0.001", fifo.Tolerance())
}

func TestVerify_DetectsMissingLotAndDanglingRecord(t *testing.T) {
	// GIVEN: A consumed lot removed from storage
	f := newFixture(t)
	a := f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.sell(t, "s1", ship1, gin, "4", jan(2))
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.DeleteLot(f.ctx, a.Lot.ID))
	})

	// WHEN: Verifying
	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	// THEN: The receipt lost its lot, the sale points at nothing
	codes := report.CountByCode()
	assert.Equal(t, 1, codes[fifo.IssueMissingLot])
	assert.Equal(t, 1, codes[fifo.IssueDanglingRecord])

	// AND: A rebuild brings the lot back
	_, err = f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)
	f.requireClean(t)
	assertDec(t, "6", f.available(t, ship1, gin))
}

func TestVerify_SaleBelowCostIsRuleOnly(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "20", jan(1))
	f.sell(t, "s1", ship1, gin, "1", jan(2))

	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	assert.True(t, report.Clean())
	require.Len(t, report.RuleIssues, 1)
	assert.Equal(t, fifo.IssueSaleBelowCost, report.RuleIssues[0].Code)
	assertDec(t, "20", report.RuleIssues[0].Expected)
	assertDec(t, "12", report.RuleIssues[0].Actual)
}

func TestVerify_DetectsUnpairedTransfer(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	out := transfer(t, f, "xfer-1", ship1, ship2, "4")
	f.mem.Corrupt(func(s fifo.Store) {
		tr, err := s.GetTransfer(f.ctx, out.Transfer.ID)
		require.NoError(t, err)
		tr.Status = fifo.StatusReversed
		require.NoError(t, s.UpdateTransfer(f.ctx, tr))
	})

	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.CountByCode()[fifo.IssueUnpairedTransfer])
}

// =============================================================================
// FIX
// =============================================================================

func TestFix_CorrectsRemainingDrift(t *testing.T) {
	// GIVEN: Two drifted lots at different positions
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship2, tonic, "10", "1", jan(1))
	f.sell(t, "s1", ship1, gin, "4", jan(2))
	gLot := f.lots(t, ship1, gin)[0]
	tLot := f.lots(t, ship2, tonic)[0]
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, gLot.LotID, d("2")))
		require.NoError(t, s.UpdateLotRemaining(f.ctx, tLot.LotID, d("7")))
	})

	// WHEN: Fixing everything
	report, err := f.eng.Fix(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	// THEN: Both corrected, cache sees the new values
	assert.Len(t, report.Before.LotIssues, 2)
	assert.Len(t, report.Fixed, 2)
	assert.Empty(t, report.Skipped)
	assert.True(t, report.After.Clean())
	assertDec(t, "6", f.available(t, ship1, gin))
	assertDec(t, "10", f.available(t, ship2, tonic))
}

func TestFix_SkipsOutOfRangeAndLeavesStructuralIssues(t *testing.T) {
	// GIVEN: A lot over its original and a sequence gap
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "5", jan(2))
	out := f.sell(t, "s1", ship1, gin, "15", jan(3))
	lot := f.lots(t, ship1, gin)[0]
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, lot.LotID, d("30")))
		_, err := s.DeleteRecordsForEvent(f.ctx, "s1")
		require.NoError(t, err)
		first, second := out.Records[0], out.Records[1]
		second.Sequence = 5
		require.NoError(t, s.InsertRecord(f.ctx, first))
		require.NoError(t, s.InsertRecord(f.ctx, second))
	})

	// WHEN: Fixing
	report, err := f.eng.Fix(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	// THEN: The out-of-range lot is skipped, the gap survives
	assert.Empty(t, report.Fixed)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, lot.LotID, report.Skipped[0].LotID)
	assert.False(t, report.After.Clean())
	assert.Equal(t, 1, report.After.CountByCode()[fifo.IssueSequenceGap])
	assertDec(t, "30", f.lots(t, ship1, gin)[0].Remaining)
}

func TestFix_SkipsLotWhoseRecordWasLost(t *testing.T) {
	// GIVEN: A two-lot sale that lost its first record, leaving a gap
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "5", jan(2))
	out := f.sell(t, "s1", ship1, gin, "15", jan(3))
	require.Len(t, out.Records, 2)
	f.mem.Corrupt(func(s fifo.Store) {
		_, err := s.DeleteRecordsForEvent(f.ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, s.InsertRecord(f.ctx, out.Records[1]))
	})
	before, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)
	codes := before.CountByCode()
	require.Equal(t, 1, codes[fifo.IssueSequenceGap])
	require.Equal(t, 1, codes[fifo.IssueRemainingMismatch])

	// WHEN: Fixing
	report, err := f.eng.Fix(f.ctx, fifo.Scope{})
	require.NoError(t, err)

	// THEN: The drained lot is not refilled and stock does not grow
	assert.Empty(t, report.Fixed)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, out.Records[0].LotID, report.Skipped[0].LotID)
	assertDec(t, "5", f.available(t, ship1, gin))
	assert.Equal(t, 1, report.After.CountByCode()[fifo.IssueSequenceGap])
}
