package storage

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/sealstore/internal/domain"
)

// lifecycleServer answers bucket lifecycle GET and PUT calls and keeps the
// last configuration it was given.
type lifecycleServer struct {
	mu     sync.Mutex
	config []byte
}

func (s *lifecycleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := r.URL.Query()["lifecycle"]; !ok {
		http.Error(w, "unexpected request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if s.config == nil {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>NoSuchLifecycleConfiguration</Code>`+
				`<Message>The lifecycle configuration does not exist</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(s.config)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.config = body
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
	}
}

type storedRule struct {
	ID     string `xml:"ID"`
	Prefix string `xml:"Filter>Prefix"`
	Days   int    `xml:"Expiration>Days"`
}

func (s *lifecycleServer) rules(t *testing.T) []storedRule {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc struct {
		Rules []storedRule `xml:"Rule"`
	}
	require.NoError(t, xml.Unmarshal(s.config, &doc))
	return doc.Rules
}

func TestS3Backend_ApplyLifecycle(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		want    []storedRule
	}{
		{
			name: "no configuration yet",
			want: []storedRule{{ID: "sealstore-backups", Prefix: "backups/", Days: 30}},
		},
		{
			name: "keeps rules owned by others",
			initial: `<LifecycleConfiguration>` +
				`<Rule><ID>ops-logs</ID><Status>Enabled</Status><Filter><Prefix>logs/</Prefix></Filter><Expiration><Days>7</Days></Expiration></Rule>` +
				`</LifecycleConfiguration>`,
			want: []storedRule{
				{ID: "ops-logs", Prefix: "logs/", Days: 7},
				{ID: "sealstore-backups", Prefix: "backups/", Days: 30},
			},
		},
		{
			name: "replaces own rule",
			initial: `<LifecycleConfiguration>` +
				`<Rule><ID>sealstore-backups</ID><Status>Enabled</Status><Filter><Prefix>backups/</Prefix></Filter><Expiration><Days>5</Days></Expiration></Rule>` +
				`<Rule><ID>ops-logs</ID><Status>Enabled</Status><Filter><Prefix>logs/</Prefix></Filter><Expiration><Days>7</Days></Expiration></Rule>` +
				`</LifecycleConfiguration>`,
			want: []storedRule{
				{ID: "sealstore-backups", Prefix: "backups/", Days: 30},
				{ID: "ops-logs", Prefix: "logs/", Days: 7},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &lifecycleServer{}
			if tt.initial != "" {
				fake.config = []byte(tt.initial)
			}
			srv := httptest.NewServer(fake)
			defer srv.Close()

			backend := NewS3Backend(S3Config{
				Credentials:  domain.Credentials{AccessKeyID: "test", SecretAccessKey: "test"},
				MaxAttempts:  1,
				UsePathStyle: true,
			}, zerolog.Nop())
			region := domain.StorageRegion{ID: "us-east-1", Endpoint: srv.URL, Provider: domain.ProviderS3}

			err := backend.ApplyLifecycle(context.Background(), region, "vault", LifecycleRule{
				ID:             "sealstore-backups",
				Prefix:         "backups/",
				ExpirationDays: 30,
			})
			require.NoError(t, err)
			require.Equal(t, tt.want, fake.rules(t))
		})
	}
}

func TestS3Backend_ApplyLifecycle_GetFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
	}))
	defer srv.Close()

	backend := NewS3Backend(S3Config{
		Credentials:  domain.Credentials{AccessKeyID: "test", SecretAccessKey: "test"},
		MaxAttempts:  1,
		UsePathStyle: true,
	}, zerolog.Nop())
	region := domain.StorageRegion{ID: "us-east-1", Endpoint: srv.URL, Provider: domain.ProviderS3}

	err := backend.ApplyLifecycle(context.Background(), region, "vault", LifecycleRule{
		ID: "sealstore-backups", Prefix: "backups/", ExpirationDays: 30,
	})
	var backendErr *domain.BackendError
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, "get-lifecycle", backendErr.Op)
}
