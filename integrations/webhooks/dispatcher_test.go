package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"cawnet/core/events"
	"cawnet/core/types"
)

func TestDispatcherSignsPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
		event     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, signature, event = raw, r.Header.Get(HeaderSignature), r.Header.Get(HeaderEvent)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	require.NoError(t, err)
	defer dispatcher.Close()

	dispatcher.Emit(events.ActionsProcessed{
		BatchID:     "batch-1",
		Layer:       30184,
		ValidatorID: 2,
		Posts:       []types.Action{{Type: types.ActionPost, SenderID: 1}},
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return signature != ""
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, Sign([]byte("secret"), body), signature)
	require.Equal(t, events.TypeActionsProcessed, event)
	var payload Payload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, types.Layer(30184), payload.Layer)
	require.Equal(t, "batch-1", payload.Attributes["batchId"])
	require.Equal(t, "1", payload.Attributes["posts"])
	require.NotEmpty(t, payload.DeliveryID)
}

func TestDispatcherPropagatesTraceContext(t *testing.T) {
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	traceparent := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case traceparent <- r.Header.Get("Traceparent"):
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	require.NoError(t, err)
	defer dispatcher.Close()

	dispatcher.Emit(events.ActionsProcessed{BatchID: "batch-2", Layer: 30184})
	select {
	case header := <-traceparent:
		require.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-0[01]$`, header)
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestDispatcherRetries(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)
	defer dispatcher.Close()

	dispatcher.Emit(events.WithdrawalReleased{Layer: 30101, ID: 4, Amount: uint256.NewInt(10)})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second, 10*time.Millisecond)
}

func TestDispatcherFiltersEvents(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithEvents(events.TypeOwnerSynced))
	require.NoError(t, err)

	dispatcher.Emit(events.ActionsProcessed{BatchID: "ignored"})
	dispatcher.Emit(events.OwnerSynced{Layer: 30184, ID: 1})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 10*time.Millisecond)
	dispatcher.Close()
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(" ", []byte("secret"))
	require.Error(t, err)
	_, err = NewDispatcher("http://localhost", nil)
	require.Error(t, err)
}
