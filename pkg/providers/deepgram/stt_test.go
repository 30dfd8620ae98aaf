package deepgram

import (
	"testing"
	"time"

	"github.com/voxline/voxline/pkg/adapters/stt"
)

func (t *Transcriber) currentEpoch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

func TestCancelFencesLateFinals(t *testing.T) {
	tr := New(Config{})

	before := tr.currentEpoch()
	tr.Cancel()

	// A final whose segments were captured before the cancel is dropped.
	tr.emit(before, stt.Transcript{Text: "late final", Final: true})
	select {
	case got := <-tr.Transcripts():
		t.Fatalf("stale transcript delivered: %+v", got)
	default:
	}

	// The next utterance emits normally.
	tr.emit(tr.currentEpoch(), stt.Transcript{Text: "fresh", Final: true})
	select {
	case got := <-tr.Transcripts():
		if got.Text != "fresh" || !got.Final {
			t.Fatalf("unexpected transcript: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("transcript never delivered")
	}
}

func TestCancelDrainsPendingTranscripts(t *testing.T) {
	tr := New(Config{})

	tr.emit(tr.currentEpoch(), stt.Transcript{Text: "queued", Final: true})
	tr.Cancel()

	select {
	case got := <-tr.Transcripts():
		t.Fatalf("cancelled transcript delivered: %+v", got)
	default:
	}
}
