/* SPDX-License-Identifier: BSD-2-Clause */

package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func serveBytes(t *testing.T, data []byte, contentType, disposition string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		if disposition != "" {
			w.Header().Set("Content-Disposition", disposition)
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		start, end, ok := parseTestRange(rangeHdr, len(data))
		if !ok {
			http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func parseTestRange(hdr string, dataLen int) (start, end int, ok bool) {
	if n, err := fmt.Sscanf(hdr, "bytes=%d-%d", &start, &end); err == nil && n == 2 {
		return start, end, true
	}
	if n, err := fmt.Sscanf(hdr, "bytes=%d-", &start); err == nil && n == 1 {
		return start, dataLen - 1, true
	}
	return 0, 0, false
}

func TestHTTPSourceHeadCachesFirstResult(t *testing.T) {
	data := []byte("hello world this is test content")
	srv := serveBytes(t, data, "text/plain", `attachment; filename="greeting.txt"`)
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()

	stat, err := src.Head(context.Background())
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if stat.TotalSize != int64(len(data)) {
		t.Errorf("got size %d, want %d", stat.TotalSize, len(data))
	}

	fs := <-src.FileStats()
	if fs.FileName != "greeting.txt" {
		t.Errorf("got filename %q, want greeting.txt", fs.FileName)
	}

	// With the origin gone, a second Head can only succeed from the cache.
	srv.Close()
	again, err := src.Head(context.Background())
	if err != nil || again != stat {
		t.Errorf("second Head = %+v, %v; want cached %+v", again, err, stat)
	}
}

func TestHTTPSourceFetchReturnsExactRange(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	srv := serveBytes(t, data, "", "")
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()

	body, err := src.Fetch(context.Background(), 5, 9)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer body.Close()
	got, _ := io.ReadAll(body)
	if string(got) != "56789" {
		t.Errorf("got %q, want %q", got, "56789")
	}
}

func TestHTTPSourceHeadWithoutAcceptRangesStillSucceeds(t *testing.T) {
	data := []byte("abc")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()
	if _, err := src.Head(context.Background()); err != nil {
		t.Fatalf("Head: %v", err)
	}
}

func TestHTTPSourceHeadNonPositiveLengthFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()
	if _, err := src.Head(context.Background()); err == nil {
		t.Fatal("expected error on missing Content-Length")
	}
}

// TestHTTPSourceFetchEarlyCloseCancelsRequest confirms Fetch streams rather
// than buffering: the origin handler keeps writing flushed chunks until it
// observes its request context canceled, which only happens once the
// caller closes the returned body before EOF.
func TestHTTPSourceFetchEarlyCloseCancelsRequest(t *testing.T) {
	data := make([]byte, 1<<20)
	canceled := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		const chunk = 4096
		for i := 0; i < len(data); i += chunk {
			select {
			case <-r.Context().Done():
				canceled <- struct{}{}
				return
			default:
			}
			end := i + chunk
			if end > len(data) {
				end = len(data)
			}
			if _, err := w.Write(data[i:end]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()

	body, err := src.Fetch(context.Background(), 0, int64(len(data)-1))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	buf := make([]byte, 4096)
	if _, err := io.ReadFull(body, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	body.Close()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never observed request cancellation after early Close")
	}
}

// TestHTTPSourceFetchConcurrentSameRangeIsDeduped confirms two concurrent
// Fetch calls for the exact same range collapse into a single upstream GET
// and both still receive the full, correct bytes. The server gates its
// response on proceed so the second Fetch is guaranteed to join the first
// call's broadcast rather than racing it to create a new one.
func TestHTTPSourceFetchConcurrentSameRangeIsDeduped(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	var gets int
	proceed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}
		gets++
		<-proceed
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()

	type result struct {
		data []byte
		err  error
	}
	results := make(chan result, 2)
	fetchAndReport := func() {
		body, err := src.Fetch(context.Background(), 0, int64(len(data)-1))
		if err != nil {
			results <- result{err: err}
			return
		}
		defer body.Close()
		got, _ := io.ReadAll(body)
		results <- result{data: got}
	}

	go fetchAndReport()

	key := fmt.Sprintf("%d-%d", 0, len(data)-1)
	deadline := time.Now().Add(time.Second)
	for {
		src.fetchMu.Lock()
		_, ok := src.fetchBroadcasts[key]
		src.fetchMu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first fetch never registered its broadcast")
		}
		time.Sleep(time.Millisecond)
	}

	go fetchAndReport()
	close(proceed)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Fetch: %v", r.err)
		}
		if string(r.data) != string(data) {
			t.Errorf("got %q, want %q", r.data, data)
		}
	}
	if gets != 1 {
		t.Errorf("got %d upstream GETs, want exactly 1 (concurrent Fetch should dedup)", gets)
	}
}

func TestHTTPSourceFetchNon206IsStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "10")
			return
		}
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	defer src.Dispose()

	if _, err := src.Fetch(context.Background(), 0, 4); err == nil {
		t.Fatal("expected error for non-206 GET response")
	}
}
