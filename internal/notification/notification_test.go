package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smawatch/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func result(status string) model.MAResult {
	return model.MAResult{Label: "20", Interval: model.Day, Count: 20, Status: status}
}

func TestStatusWatcher_Transitions(t *testing.T) {
	rec := &recorder{}
	w := NewStatusWatcher(rec, "000300", 100)

	w.ObserveResults([]model.MAResult{result(model.StatusOK)})  // first ok: silent
	w.ObserveResults([]model.MAResult{result(model.StatusOK)})  // unchanged
	w.ObserveResults([]model.MAResult{result(model.StatusGap)}) // ok -> gap
	w.ObserveResults([]model.MAResult{result(model.StatusGap)}) // unchanged
	w.ObserveResults([]model.MAResult{result(model.StatusOK)})  // recovered

	live := result(model.StatusGap)
	live.Live = true
	w.ObserveResults([]model.MAResult{live}) // projections ignored
	w.Wait()

	if len(rec.alerts) != 2 {
		t.Fatalf("got %d alerts: %+v", len(rec.alerts), rec.alerts)
	}
	levels := map[AlertLevel]bool{}
	for _, a := range rec.alerts {
		levels[a.Level] = true
		if a.Symbol != "000300" {
			t.Errorf("alert symbol = %q", a.Symbol)
		}
	}
	if !levels[AlertWarning] || !levels[AlertInfo] {
		t.Errorf("levels = %v, want a warning and an info", levels)
	}
}

func TestStatusWatcher_FirstUnavailableAlerts(t *testing.T) {
	rec := &recorder{}
	w := NewStatusWatcher(rec, "000300", 100)
	w.ObserveResults([]model.MAResult{result(model.StatusInsufficient)})
	w.Wait()
	if len(rec.alerts) != 1 || !strings.Contains(rec.alerts[0].Message, "insufficient") {
		t.Errorf("alerts = %+v", rec.alerts)
	}
}

func TestStatusWatcher_RateLimited(t *testing.T) {
	rec := &recorder{}
	w := NewStatusWatcher(rec, "000300", 2)
	var dropped int
	w.OnDropped = func(Alert) { dropped++ }
	for i := 0; i < 5; i++ {
		w.Notify(Alert{Level: AlertCritical, Title: "redis down"})
	}
	w.Wait()
	if len(rec.alerts) != 2 || dropped != 3 {
		t.Errorf("sent %d, dropped %d; want 2, 3", len(rec.alerts), dropped)
	}
}

func TestWebhookNotifier_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["symbol"] != "000300" || body["level"] != "WARNING" {
			t.Errorf("body = %v", body)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret")
	n.RetryDelay = time.Millisecond
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "t", Symbol: "000300"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookNotifier_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL, "").Send(context.Background(), Alert{}); err == nil {
		t.Error("expected error for 400")
	}
}

func TestTelegramNotifier_EscapesAndSilencesInfo(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	if err := n.Send(context.Background(), Alert{Level: AlertInfo, Title: "MA20 day recovered", Message: "MA_20 ok."}); err != nil {
		t.Fatal(err)
	}
	if got["disable_notification"] != true {
		t.Errorf("disable_notification = %v", got["disable_notification"])
	}
	if text, _ := got["text"].(string); !strings.Contains(text, `MA\_20 ok\.`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	rec := &recorder{}
	failing := notifierFunc(func(context.Context, Alert) error { return errors.New("down") })
	err := Multi{rec, failing, NewLogNotifier()}.Send(context.Background(), Alert{Title: "x"})
	if err == nil || len(rec.alerts) != 1 {
		t.Errorf("err = %v, delivered %d", err, len(rec.alerts))
	}
}

type notifierFunc func(context.Context, Alert) error

func (f notifierFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

func TestTelegramNotifier_TransitionDetail(t *testing.T) {
	rec := &recorder{}
	w := NewStatusWatcher(rec, "000300", 100)
	w.ObserveResults([]model.MAResult{result(model.StatusOK)})
	w.ObserveResults([]model.MAResult{result(model.StatusGap)})
	w.Wait()
	if len(rec.alerts) != 1 {
		t.Fatalf("alerts = %+v", rec.alerts)
	}
	a := rec.alerts[0]
	if a.Series != "20:day:20" || a.From != model.StatusOK || a.To != model.StatusGap {
		t.Fatalf("transition fields = %q %q -> %q", a.Series, a.From, a.To)
	}

	text := formatTelegram(a)
	for _, want := range []string{"⚠️ *000300 MA20 day unavailable*", "`20:day:20` ok → gap"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifier_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "redis down"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v", err)
	}
}
