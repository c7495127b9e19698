package proxy

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// httptest.ResponseRecorder does not implement http.CloseNotifier, which
// gin's writer asserts when httputil.ReverseProxy calls CloseNotify
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool {
	return make(chan bool)
}

func newRecorder() closeNotifyRecorder {
	return closeNotifyRecorder{httptest.NewRecorder()}
}

func newRouter(t *testing.T, upstream string, maxFailures uint32) (*gin.Engine, *Proxy) {
	t.Helper()

	p, err := New(Config{Target: upstream, MaxFailures: maxFailures, OpenTimeout: time.Minute}, logging.Discard())
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(p.Handle)
	return r, p
}

func TestProxyForwards(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("X-Forwarded-For"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("manifest"))
	}))
	defer upstream.Close()

	r, _ := newRouter(t, upstream.URL, 5)

	req := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/latest", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	w := newRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "manifest", w.Body.String())
	assert.Equal(t, "/v2/library/alpine/manifests/latest", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "1.2.3.4", w.Header().Get("X-Seen-Forwarded"))
}

func TestProxyOpensBreakerOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	r, p := newRouter(t, upstream.URL, 2)

	for range 2 {
		w := newRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int32(2), hits.Load())
}

func TestProxyUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	r, _ := newRouter(t, addr, 5)

	w := newRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestNewRejectsBadTarget(t *testing.T) {
	for _, target := range []string{"", "registry:5000/path", "://nope"} {
		_, err := New(Config{Target: target}, logging.Discard())
		assert.Error(t, err, target)
	}
}
