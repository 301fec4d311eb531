package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/rest"
	"github.com/packvault/packvault/internal/backend/test"
	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
)

// memServer is a minimal in-process server speaking the REST protocol.
type memServer struct {
	mu      sync.Mutex
	created bool
	files   map[string][]byte
	v1      bool
}

func newMemServer() *memServer {
	return &memServer{files: make(map[string][]byte)}
}

func (s *memServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.TrimPrefix(r.URL.Path, "/")

	if name == "" && r.Method == http.MethodPost && r.URL.Query().Get("create") == "true" {
		s.created = true
		return
	}

	if strings.HasSuffix(name, "/") && r.Method == http.MethodGet {
		s.list(w, name)
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		data, ok := s.files[name]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	case http.MethodPost:
		if _, ok := s.files[name]; ok {
			http.Error(w, "file exists", http.StatusForbidden)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.files[name] = data
	case http.MethodDelete:
		if _, ok := s.files[name]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		delete(s.files, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *memServer) list(w http.ResponseWriter, dir string) {
	type entry struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	var entries []entry
	for name, data := range s.files {
		if strings.HasPrefix(name, dir) {
			entries = append(entries, entry{Name: strings.TrimPrefix(name, dir), Size: int64(len(data))})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if s.v1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		w.Header().Set("Content-Type", rest.ContentTypeV1)
		_ = json.NewEncoder(w).Encode(names)
		return
	}

	if entries == nil {
		entries = []entry{}
	}
	w.Header().Set("Content-Type", rest.ContentTypeV2)
	_ = json.NewEncoder(w).Encode(entries)
}

func newTestSuite(srv *httptest.Server) *test.Suite[rest.Config] {
	return &test.Suite[rest.Config]{
		MinimalData: true,

		// NewConfig returns a config for a new temporary backend that will be used in tests.
		NewConfig: func() (*rest.Config, error) {
			u, err := url.Parse(srv.URL + "/")
			if err != nil {
				return nil, err
			}
			cfg := rest.NewConfig()
			cfg.URL = u
			return &cfg, nil
		},

		Factory: rest.NewFactory(),
	}
}

func TestBackendREST(t *testing.T) {
	srv := httptest.NewServer(newMemServer())
	defer srv.Close()

	newTestSuite(srv).RunTests(t)
}

func TestBackendRESTv1List(t *testing.T) {
	ms := newMemServer()
	ms.v1 = true
	srv := httptest.NewServer(ms)
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/")
	rtest.OK(t, err)
	be, err := rest.Create(context.TODO(), rest.Config{URL: u, Connections: 2}, http.DefaultTransport)
	rtest.OK(t, err)

	for _, name := range []string{"aa", "bbb"} {
		h := backend.Handle{Type: backend.SnapshotFile, Name: name}
		rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader([]byte(name), be.Hasher())))
	}

	sizes := make(map[string]int64)
	rtest.OK(t, be.List(context.TODO(), backend.SnapshotFile, func(fi backend.FileInfo) error {
		sizes[fi.Name] = fi.Size
		return nil
	}))
	rtest.Equals(t, map[string]int64{"aa": 2, "bbb": 3}, sizes)
}

func TestBackendRESTCreateExisting(t *testing.T) {
	srv := httptest.NewServer(newMemServer())
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/")
	rtest.OK(t, err)
	cfg := rest.Config{URL: u, Connections: 2}

	be, err := rest.Create(context.TODO(), cfg, http.DefaultTransport)
	rtest.OK(t, err)
	rtest.OK(t, be.Save(context.TODO(), backend.Handle{Type: backend.ConfigFile}, backend.NewByteReader([]byte("{}"), nil)))

	_, err = rest.Create(context.TODO(), cfg, http.DefaultTransport)
	rtest.Assert(t, err != nil, "Create() succeeded on existing repository")

	err = be.Save(context.TODO(), backend.Handle{Type: backend.ConfigFile}, backend.NewByteReader([]byte("{}"), nil))
	rtest.Assert(t, errors.IsConflict(err), "expected conflict, got %v", err)
	rtest.Assert(t, be.IsPermanentError(err), "conflict must be permanent")
}

func TestBackendRESTNotFound(t *testing.T) {
	srv := httptest.NewServer(newMemServer())
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/")
	rtest.OK(t, err)
	be, err := rest.Open(context.TODO(), rest.Config{URL: u}, http.DefaultTransport)
	rtest.OK(t, err)

	_, err = be.Stat(context.TODO(), backend.Handle{Type: backend.PackFile, Name: "missing"})
	rtest.Assert(t, be.IsNotExist(err), "expected not found error, got %v", err)

	err = be.Remove(context.TODO(), backend.Handle{Type: backend.PackFile, Name: "missing"})
	rtest.Assert(t, be.IsNotExist(err), "expected not found error, got %v", err)
}

func TestBackendRESTErrorKinds(t *testing.T) {
	var code int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/")
	rtest.OK(t, err)
	be, err := rest.Open(context.TODO(), rest.Config{URL: u}, http.DefaultTransport)
	rtest.OK(t, err)
	h := backend.Handle{Type: backend.IndexFile, Name: "abcdef"}

	for _, test := range []struct {
		code                          int
		notFound, transient, permanent bool
	}{
		{http.StatusNotFound, true, false, true},
		{http.StatusServiceUnavailable, false, true, false},
		{http.StatusTooManyRequests, false, true, false},
		{http.StatusUnauthorized, false, false, true},
		{http.StatusBadRequest, false, false, false},
	} {
		code = test.code
		_, err := be.Stat(context.TODO(), h)
		rtest.Assert(t, err != nil, "status %d: no error", test.code)
		rtest.Equals(t, test.notFound, errors.IsNotFound(err))
		rtest.Equals(t, test.notFound, be.IsNotExist(err))
		rtest.Equals(t, test.transient, errors.Is(err, errors.ErrBackendTransient))
		rtest.Equals(t, test.permanent, be.IsPermanentError(err))
	}
}
