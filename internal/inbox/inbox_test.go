package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/eventbus"
	"taskrelay/internal/task/engine"
	logx "taskrelay/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	got []Envelope
	err error
}

func (r *recorder) Handle(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return r.err
}

func (r *recorder) identifiers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.Identifier)
	}
	return out
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 16}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spoolFiles(t *testing.T, dir, ext string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(dir, "*"+ext))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return m
}

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		kind    Kind
		wantErr bool
	}{
		{name: "default kind", in: `{"identifier":"x","payload":{"a":1}}`, kind: KindDelivery},
		{name: "fetch", in: `{"kind":"fetch","identifier":"x"}`, kind: KindFetch},
		{name: "position", in: `{"kind":"position","payload":{"latitude":1,"longitude":2}}`, kind: KindPosition},
		{name: "delivery without identifier", in: `{"payload":{}}`, wantErr: true},
		{name: "location without payload", in: `{"kind":"location"}`, wantErr: true},
		{name: "unknown kind", in: `{"kind":"sms","identifier":"x"}`, wantErr: true},
		{name: "unknown field", in: `{"identifier":"x","extra":1}`, wantErr: true},
		{name: "trailing data", in: `{"identifier":"x"}{}`, wantErr: true},
		{name: "not json", in: `nope`, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env, err := DecodeEnvelope([]byte(tc.in))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidEnvelope) {
					t.Fatalf("err: got %v want ErrInvalidEnvelope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			if env.Kind != tc.kind {
				t.Fatalf("kind: got %q want %q", env.Kind, tc.kind)
			}
		})
	}
}

func TestEnvelopeKey(t *testing.T) {
	t.Parallel()

	if got := (Envelope{Kind: KindDelivery, Identifier: "id"}).Key(); got != "id" {
		t.Fatalf("delivery key: got %q", got)
	}
	if got := (Envelope{Kind: KindPosition}).Key(); got != "inbox:position" {
		t.Fatalf("position key: got %q", got)
	}
}

func TestWriteSpoolRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	payload := json.RawMessage(`{"n":1}`)
	path, err := WriteSpool(dir, Envelope{Identifier: "id", Payload: payload})
	if err != nil {
		t.Fatalf("WriteSpool: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindDelivery || env.Identifier != "id" || string(env.Payload) != `{"n":1}` {
		t.Fatalf("envelope: %+v", env)
	}

	if _, err := WriteSpool(dir, Envelope{Kind: KindFetch}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("invalid envelope written: %v", err)
	}
	if got := spoolFiles(t, dir, ""); len(got) != 1 {
		t.Fatalf("files in spool: %v", got)
	}
}

func TestScanDeliversInOrderAndRemoves(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := WriteSpool(dir, Envelope{Identifier: "same", Payload: json.RawMessage(`"` + id + `"`)}); err != nil {
			t.Fatalf("WriteSpool: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "0-broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}

	rec := &recorder{}
	in := New(Config{Dir: dir}, rec, startEngine(t), logx.Nop())
	n, err := in.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 3 {
		t.Fatalf("submitted: got %d want 3", n)
	}
	waitFor(t, "three deliveries", func() bool { return in.Stats().Processed == 3 })

	var payloads []string
	rec.mu.Lock()
	for _, e := range rec.got {
		payloads = append(payloads, string(e.Payload))
	}
	rec.mu.Unlock()
	if want := []string{`"a"`, `"b"`, `"c"`}; !reflect.DeepEqual(payloads, want) {
		t.Fatalf("order: got %v want %v", payloads, want)
	}

	waitFor(t, "spool drained", func() bool { return len(spoolFiles(t, dir, spoolExt)) == 0 })
	if got := spoolFiles(t, dir, quarantineExt); len(got) != 1 {
		t.Fatalf("quarantined: got %v", got)
	}
	if st := in.Stats(); st.Quarantined != 1 || st.Pending != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestHandlerErrorStillRemovesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := WriteSpool(dir, Envelope{Kind: KindFetch, Identifier: "x"}); err != nil {
		t.Fatalf("WriteSpool: %v", err)
	}
	in := New(Config{Dir: dir}, &recorder{err: errors.New("boom")}, startEngine(t), logx.Nop())
	if _, err := in.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	waitFor(t, "failure counted", func() bool { return in.Stats().Failed == 1 })
	waitFor(t, "file removed", func() bool { return len(spoolFiles(t, dir, spoolExt)) == 0 })
}

func TestRunPicksUpNewFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := WriteSpool(dir, Envelope{Identifier: "early"}); err != nil {
		t.Fatalf("WriteSpool: %v", err)
	}

	rec := &recorder{}
	in := New(Config{Dir: dir, PollInterval: 50 * time.Millisecond}, rec, startEngine(t), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "existing file", func() bool { return in.Stats().Processed == 1 })
	if _, err := WriteSpool(dir, Envelope{Identifier: "late"}); err != nil {
		t.Fatalf("WriteSpool: %v", err)
	}
	waitFor(t, "new file", func() bool { return in.Stats().Processed == 2 })

	if got := rec.identifiers(); !reflect.DeepEqual(got, []string{"early", "late"}) {
		t.Fatalf("identifiers: got %v", got)
	}
}
