package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/autosys/internal/config"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

func TestWebhookChannel(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("slack", config.WebhookConfig{URL: srv.URL, Token: "abc"})
	require.NoError(t, ch.Send(context.Background(), raised("cpu_high", monitoring.SeverityWarning)))

	assert.Equal(t, "Bearer abc", auth)
	assert.Contains(t, got["text"], "[WARNING] ALERT cpu_high")
	assert.Equal(t, "cpu_high", got["rule"])
	assert.Equal(t, 91.0, got["value"])
}

func TestWebhookChannelStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookChannel("hook", config.WebhookConfig{URL: srv.URL}).Send(context.Background(), raised("r", monitoring.SeverityWarning))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTelegramChannel(t *testing.T) {
	var path string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch := NewTelegramChannel("tg", config.TelegramConfig{BotToken: "123:abc", ChatID: "42", APIURL: srv.URL + "/"})
	require.NoError(t, ch.Send(context.Background(), raised("disk_full", monitoring.SeverityCritical)))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.True(t, strings.HasPrefix(payload["text"], "🚨"))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaChannel(t *testing.T) {
	w := &fakeWriter{}
	ch := &KafkaChannel{name: "events", writer: w}

	require.NoError(t, ch.Send(context.Background(), raised("mem_high", monitoring.SeverityWarning)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "mem_high", string(w.msgs[0].Key))

	var decoded Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, monitoring.DeltaRaised, decoded.Kind)
	assert.NoError(t, ch.Close())
}

// fakeSMTP speaks just enough SMTP for net/smtp without STARTTLS or AUTH.
func fakeSMTP(t *testing.T) (addr string, received func() string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var data strings.Builder
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 localhost ready")
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					reply("250 queued")
					continue
				}
				mu.Lock()
				data.WriteString(line)
				mu.Unlock()
				continue
			}
			switch cmd := strings.ToUpper(strings.TrimSpace(line)); {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "DATA"):
				inData = true
				reply("354 go ahead")
			case strings.HasPrefix(cmd, "QUIT"):
				reply("221 bye")
				return
			default:
				reply("250 ok")
			}
		}
	}()

	return ln.Addr().String(), func() string {
		mu.Lock()
		defer mu.Unlock()
		return data.String()
	}
}

func TestEmailChannel(t *testing.T) {
	addr, received := fakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	ch := NewEmailChannel("mail", config.EmailConfig{Host: host, Port: port, From: "autosys@example.com", To: []string{"ops@example.com"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, raised("cpu_high", monitoring.SeverityWarning)))

	body := received()
	assert.Contains(t, body, "Subject: [WARNING] ALERT cpu_high")
	assert.Contains(t, body, "Threshold: 80.0%")
}

func TestEmailChannelUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	ch := NewEmailChannel("mail", config.EmailConfig{Host: "127.0.0.1", Port: addr.Port, From: "a@b", To: []string{"c@d"}})
	assert.Error(t, ch.Send(context.Background(), raised("r", monitoring.SeverityWarning)))
}

func TestBuildRoutes(t *testing.T) {
	off := false
	routes, err := BuildRoutes(config.NotifyConfig{Channels: []config.ChannelConfig{
		{Name: "hook", Type: config.ChannelWebhook, MinSeverity: "critical", NotifyResolved: true},
		{Name: "mail", Type: config.ChannelEmail, Enabled: &off},
		{Name: "bus", Type: config.ChannelKafka, Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "alerts"}},
	}})
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "hook", routes[0].Channel.Name())
	assert.Equal(t, monitoring.SeverityCritical, routes[0].MinSeverity)
	assert.True(t, routes[0].NotifyResolved)
	assert.NoError(t, CloseRoutes(routes))
}
