package downloader

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDownloadKlinesWritesCSVAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "ETHUSDC", r.URL.Query().Get("symbol"))
		if calls.Add(1) > 1 {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[
			[1700000000000,"1000.0","1010.0","990.0","1005.0","12.5",1700000059999,"12500.0",42,"6.0","6000.0","0"],
			[1700000060000,"1005.0","1020.0","1000.0","1015.0","8.0",1700000119999,"8100.0",30,"4.0","4050.0","0"]
		]`))
	}))
	defer srv.Close()

	d := NewKlineDownloader(srv.URL, zap.NewNop())
	d.pause = 0

	start := time.UnixMilli(1700000000000)
	end := start.Add(24 * time.Hour)
	path := FileName(t.TempDir(), "ETH/USDC", start, end)
	assert.Contains(t, filepath.Base(path), "ETHUSDC-")

	require.NoError(t, d.DownloadKlines(context.Background(), "ETH/USDC", path, start, end))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"1700000000000", "1000.0", "1010.0", "990.0", "1005.0"}, rows[1][:5])

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))

	before := calls.Load()
	require.NoError(t, d.DownloadKlines(context.Background(), "ETH/USDC", path, start, end))
	assert.Equal(t, before, calls.Load(), "cached file is reused")
}

func TestDownloadKlinesFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1000,"msg":"boom"}`))
	}))
	defer srv.Close()

	d := NewKlineDownloader(srv.URL, zap.NewNop())
	path := filepath.Join(t.TempDir(), "x.csv")
	start := time.Now().Add(-time.Hour)

	assert.Error(t, d.DownloadKlines(context.Background(), "ETH/USDC", path, start, time.Now()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
