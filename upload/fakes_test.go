package upload

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// partServer accepts part PUTs on /part/<n> and answers with ETag "etag-<n>".
type partServer struct {
	*httptest.Server

	failPart int

	mu       sync.Mutex
	received map[int]int
	attempts map[int]int
}

func newPartServer(t *testing.T, failPart int) *partServer {
	s := &partServer{
		failPart: failPart,
		received: map[int]int{},
		attempts: map[int]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *partServer) handle(w http.ResponseWriter, r *http.Request) {
	partNumber, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/part/"))
	if err != nil || r.Method != http.MethodPut {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.attempts[partNumber]++
	s.mu.Unlock()

	if partNumber == s.failPart {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}

	s.mu.Lock()
	s.received[partNumber] = len(body)
	s.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf("\"etag-%d\"", partNumber))
	w.WriteHeader(http.StatusOK)
}

func (s *partServer) partURL(partNumber int) string {
	return fmt.Sprintf("%s/part/%d", s.URL, partNumber)
}

func (s *partServer) receivedSizes() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := map[int]int{}
	for k, v := range s.received {
		sizes[k] = v
	}
	return sizes
}

func (s *partServer) attemptsOf(partNumber int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[partNumber]
}

type recordingObserver struct {
	mu       sync.Mutex
	states   []State
	progress []int
	logs     []LogEntry
}

func (o *recordingObserver) OnState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) OnProgress(percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, percent)
}

func (o *recordingObserver) OnLog(entry LogEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, entry)
}

func (o *recordingObserver) recordedStates() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func (o *recordingObserver) recordedProgress() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.progress...)
}

// sparseSource reads as zeros without holding any data.
type sparseSource struct {
	name string
	size int64
}

func (s sparseSource) Name() string { return s.name }
func (s sparseSource) Size() int64  { return s.size }

func (s sparseSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	n := len(p)
	if remaining := s.size - off; int64(n) > remaining {
		n = int(remaining)
	}
	for i := range p[:n] {
		p[i] = 0
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
