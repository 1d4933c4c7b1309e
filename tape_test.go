package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTape = `Timestamp,Price,Qty,Side,ID,Symbol
1709294460000,101.5,0.2,sell,t2,BTC-USDT
1709294400,100.0,0.1,buy,t1,BTC-USDT
2024-03-01T12:02:00Z,50.0,1,buy,,ETH_USDT
2024-03-01T12:03:00Z,102.0,0.3,ask,,
not-a-time,1,1,buy,x,
2024-03-01T12:04:00Z,oops,1,buy,y,
`

func TestReadTradeTape(t *testing.T) {
	rows, err := readTradeTape(strings.NewReader(sampleTape))
	require.NoError(t, err)
	require.Len(t, rows, 4, "unparseable rows are skipped")

	assert.Equal(t, "t1", rows[0].ID)
	assert.Equal(t, time.Unix(1709294400, 0).UTC(), rows[0].Time)
	assert.Equal(t, SideBuy, rows[0].Side)
	assert.Equal(t, "BTC-USDT", rows[0].Pair)

	assert.Equal(t, "t2", rows[1].ID)
	assert.Equal(t, time.UnixMilli(1709294460000).UTC(), rows[1].Time)
	assert.Equal(t, SideSell, rows[1].Side)
	assert.Equal(t, 0.2, rows[1].Amount)

	assert.Equal(t, "ETH-USDT", rows[2].Pair)
	assert.True(t, strings.HasPrefix(rows[2].ID, "tape-"))

	assert.Equal(t, "", rows[3].Pair)
	assert.Equal(t, SideSell, rows[3].Side)
}

func TestTapeForFiltersByPair(t *testing.T) {
	rows, err := readTradeTape(strings.NewReader(sampleTape))
	require.NoError(t, err)

	btc := tapeFor(rows, Pair{Base: "BTC", Quote: "USDT"})
	assert.Len(t, btc, 3, "pair rows plus unbound rows")
	eth := tapeFor(rows, Pair{Base: "ETH", Quote: "USDT"})
	assert.Len(t, eth, 2)
}

func TestLoadTradeTapeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tape.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleTape), 0o644))
	rows, err := loadTradeTape(path)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	_, err = loadTradeTape(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestParseTimeFlexible(t *testing.T) {
	ts, err := parseTimeFlexible("2024-03-01T12:00:00.250Z")
	require.NoError(t, err)
	assert.Equal(t, testT0.Add(250*time.Millisecond), ts)

	_, err = parseTimeFlexible("yesterday")
	assert.Error(t, err)
}
