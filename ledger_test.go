package gridlink

import (
	"sync"
	"testing"
	"time"
)

func TestLedgerTaskNumbersStartAtOne(t *testing.T) {
	l := NewTaskLedger(0)
	if got := l.NextTaskNum(); got != 1 {
		t.Fatalf("first task id = %d, want 1", got)
	}
	if got := l.NextTaskNum(); got != 2 {
		t.Fatalf("second task id = %d, want 2", got)
	}
}

func TestLedgerPendingLifecycle(t *testing.T) {
	l := NewTaskLedger(0)
	id := l.NextTaskNum()
	pc := newPendingCall(id, &Envelope{Kind: KindTask, TaskID: id})
	l.AddPending(pc)

	if l.Pending(id) != pc {
		t.Fatal("Pending did not return the registered call")
	}
	if l.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", l.PendingCount())
	}
	if got := l.TakePending(id); got != pc {
		t.Fatal("TakePending did not return the registered call")
	}
	if l.Pending(id) != nil {
		t.Fatal("call still pending after TakePending")
	}
	if l.TakePending(id) != nil {
		t.Fatal("second TakePending returned a call")
	}
}

func TestLedgerPendingConflicting(t *testing.T) {
	l := NewTaskLedger(0)

	plain := newPendingCall(l.NextTaskNum(), &Envelope{Kind: KindTask, TaskID: 1})
	l.AddPending(plain)
	put := newPendingCall(l.NextTaskNum(), &Envelope{Kind: KindTask, TaskID: 2, Key: []byte("vec/7")})
	l.AddPending(put)

	if got := l.PendingConflicting([]byte("vec/7")); got != put {
		t.Fatal("conflict lookup missed the in-flight put-key call")
	}
	if got := l.PendingConflicting([]byte("vec/8")); got != nil {
		t.Fatalf("conflict lookup matched an unrelated key: task %d", got.ID())
	}
	l.TakePending(put.ID())
	if l.PendingConflicting([]byte("vec/7")) != nil {
		t.Fatal("conflict lookup matched a completed call")
	}
}

func TestLedgerRecordIncomingDeduplicates(t *testing.T) {
	l := NewTaskLedger(0)
	rec := newWorkRecord(1, &Envelope{Kind: KindTask, TaskID: 1})

	if prior := l.RecordIncoming(rec); prior != nil {
		t.Fatalf("first sighting returned a prior record (id %d)", prior.ID())
	}
	dup := newWorkRecord(1, &Envelope{Kind: KindTask, TaskID: 1})
	if prior := l.RecordIncoming(dup); prior != rec {
		t.Fatal("duplicate sighting did not return the original record")
	}
	if rec.Computed() {
		t.Fatal("record marked computed before RecordAnswer")
	}

	ans := &Envelope{Kind: KindAck, TaskID: 1, Body: []byte("42")}
	l.RecordAnswer(rec, ans)
	if !rec.Computed() {
		t.Fatal("record not computed after RecordAnswer")
	}
	if rec.Answer() != ans {
		t.Fatal("Answer did not return the cached envelope")
	}
	if rec.StartedAt().IsZero() {
		t.Fatal("completion time not stamped")
	}
}

// completeTask drives one incoming id through the full execute/ack/ackack
// cycle.
func completeTask(l *TaskLedger, id uint64) *WorkRecord {
	rec := newWorkRecord(id, &Envelope{Kind: KindTask, TaskID: id})
	l.RecordIncoming(rec)
	l.RecordAnswer(rec, &Envelope{Kind: KindAck, TaskID: id})
	return rec
}

func TestLedgerRollUpIsSequentialAndGapless(t *testing.T) {
	l := NewTaskLedger(0)
	for id := uint64(1); id <= 3; id++ {
		completeTask(l, id)
	}

	l.ForgetOnDoubleAck(1, nil)
	if got := l.LastRemovedID(); got != 1 {
		t.Fatalf("after ack of 1: lastRemoved = %d, want 1", got)
	}

	// 3 finishes out of order: the counter must not skip past the gap at 2.
	l.ForgetOnDoubleAck(3, nil)
	if got := l.LastRemovedID(); got != 1 {
		t.Fatalf("after ack of 3: lastRemoved = %d, want 1 (gap at 2)", got)
	}

	// Closing the gap rolls up 2 and the already-released 3 in one sweep.
	l.ForgetOnDoubleAck(2, nil)
	if got := l.LastRemovedID(); got != 3 {
		t.Fatalf("after ack of 2: lastRemoved = %d, want 3", got)
	}
}

func TestLedgerDuplicateAfterRollUpGetsSentinel(t *testing.T) {
	l := NewTaskLedger(0)
	completeTask(l, 1)
	l.ForgetOnDoubleAck(1, nil)

	late := newWorkRecord(1, &Envelope{Kind: KindTask, TaskID: 1})
	prior := l.RecordIncoming(late)
	if prior == nil {
		t.Fatal("rolled-up id treated as new work")
	}
	if !l.Completed(prior) {
		t.Fatal("rolled-up id did not return the completed sentinel")
	}
	if !prior.Computed() {
		t.Fatal("sentinel must always read as computed")
	}
	// The spurious insert must not linger as a live record.
	if got := l.QueryIncoming(1); got != prior {
		t.Fatalf("QueryIncoming(1) = %v, want the sentinel", got)
	}
}

func TestLedgerDoubleAckFinalizerRunsOnce(t *testing.T) {
	l := NewTaskLedger(0)
	completeTask(l, 1)

	released := 0
	l.ForgetOnDoubleAck(1, func(*Envelope) { released++ })
	l.ForgetOnDoubleAck(1, func(*Envelope) { released++ })
	if released != 1 {
		t.Fatalf("finalizer ran %d times, want 1", released)
	}
}

func TestLedgerDoubleAckFinalizerRunsOnceConcurrently(t *testing.T) {
	l := NewTaskLedger(0)
	const tasks = 200
	for id := uint64(1); id <= tasks; id++ {
		completeTask(l, id)
	}

	var mu sync.Mutex
	released := map[uint64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := uint64(1); id <= tasks; id++ {
				l.ForgetOnDoubleAck(id, func(env *Envelope) {
					mu.Lock()
					released[env.TaskID]++
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	for id := uint64(1); id <= tasks; id++ {
		if released[id] != 1 {
			t.Fatalf("task %d released %d times, want 1", id, released[id])
		}
	}
	if got := l.LastRemovedID(); got != tasks {
		t.Fatalf("lastRemoved = %d, want %d", got, tasks)
	}
	if got := l.QueryIncoming(tasks / 2); !l.Completed(got) {
		t.Fatal("rolled-up id not answered by the sentinel")
	}
}

func TestLedgerQueryIncoming(t *testing.T) {
	l := NewTaskLedger(0)
	rec := completeTask(l, 1)

	if got := l.QueryIncoming(1); got != rec {
		t.Fatal("QueryIncoming missed the live record")
	}
	if got := l.QueryIncoming(9); got != nil {
		t.Fatalf("QueryIncoming of an unseen id = %v, want nil", got)
	}
	l.ForgetOnDoubleAck(1, nil)
	if got := l.QueryIncoming(1); !l.Completed(got) {
		t.Fatal("QueryIncoming after roll-up did not return the sentinel")
	}
}

func TestLedgerRebootClearsDuplicateSuppression(t *testing.T) {
	l := NewTaskLedger(0)
	completeTask(l, 1)
	l.ForgetOnDoubleAck(1, nil)
	completeTask(l, 2) // still live

	l.OnPeerRebooted()
	if got := l.LastRemovedID(); got != 0 {
		t.Fatalf("lastRemoved = %d after reboot, want 0", got)
	}
	// Previously-seen ids are new work again.
	for _, id := range []uint64{1, 2} {
		rec := newWorkRecord(id, &Envelope{Kind: KindTask, TaskID: id})
		if prior := l.RecordIncoming(rec); prior != nil {
			t.Fatalf("id %d still suppressed after reboot", id)
		}
	}
}

func TestLedgerAnswerRetryDefault(t *testing.T) {
	l := NewTaskLedger(0)
	rec := completeTask(l, 1)
	if got := time.Duration(rec.retryIn.Load()); got != defaultAnswerRetry {
		t.Fatalf("retry delay = %v, want default %v", got, defaultAnswerRetry)
	}

	l = NewTaskLedger(time.Second)
	rec = completeTask(l, 1)
	if got := time.Duration(rec.retryIn.Load()); got != time.Second {
		t.Fatalf("retry delay = %v, want 1s", got)
	}
}

func TestLedgerConcurrentRecordIncomingSingleWinner(t *testing.T) {
	l := NewTaskLedger(0)
	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan *WorkRecord, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newWorkRecord(7, &Envelope{Kind: KindTask, TaskID: 7})
			if prior := l.RecordIncoming(rec); prior == nil {
				winners <- rec
			}
		}()
	}
	wg.Wait()
	close(winners)

	var won []*WorkRecord
	for rec := range winners {
		won = append(won, rec)
	}
	if len(won) != 1 {
		t.Fatalf("%d concurrent inserts won for one id, want exactly 1", len(won))
	}
	if got := l.QueryIncoming(7); got != won[0] {
		t.Fatal("live record is not the winning insert")
	}
}

func TestLedgerPendingCallDoneDeliversOnce(t *testing.T) {
	pc := newPendingCall(1, &Envelope{Kind: KindTask, TaskID: 1})
	ans := &Envelope{Kind: KindAck, TaskID: 1, Body: []byte("ok")}
	pc.complete(ans)
	pc.complete(&Envelope{Kind: KindAck, TaskID: 1, Body: []byte("dup")})

	got, ok := <-pc.Done()
	if !ok || got != ans {
		t.Fatalf("Done delivered %v (ok=%v), want the first answer", got, ok)
	}
	if _, ok := <-pc.Done(); ok {
		t.Fatal("Done channel delivered a second value")
	}
}

func TestLedgerPutKeyFlag(t *testing.T) {
	put := newPendingCall(1, &Envelope{Kind: KindTask, TaskID: 1, Key: []byte("k")})
	if !put.IsPutKey() {
		t.Error("call with a key not flagged as put-key")
	}
	plain := newPendingCall(2, &Envelope{Kind: KindTask, TaskID: 2})
	if plain.IsPutKey() {
		t.Error("keyless call flagged as put-key")
	}
}

func BenchmarkLedgerRecordIncoming(b *testing.B) {
	l := NewTaskLedger(0)
	for i := 0; i < b.N; i++ {
		rec := newWorkRecord(uint64(i+1), &Envelope{Kind: KindTask, TaskID: uint64(i + 1)})
		l.RecordIncoming(rec)
	}
}

func BenchmarkLedgerFullCycle(b *testing.B) {
	l := NewTaskLedger(0)
	for i := 0; i < b.N; i++ {
		id := uint64(i + 1)
		rec := newWorkRecord(id, &Envelope{Kind: KindTask, TaskID: id})
		l.RecordIncoming(rec)
		l.RecordAnswer(rec, &Envelope{Kind: KindAck, TaskID: id})
		l.ForgetOnDoubleAck(id, nil)
	}
	if l.LastRemovedID() != uint64(b.N) {
		b.Fatalf("roll-up fell behind: %d of %d", l.LastRemovedID(), b.N)
	}
}
