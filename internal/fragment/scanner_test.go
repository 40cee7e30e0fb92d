package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPattern = "www.speedtest.net"

// feed runs every buffer through one scanner and flattens the result into
// forwarded fragments (split boundaries end a fragment) plus a split count.
func feed(t *testing.T, pattern string, buffers ...string) ([]string, int) {
	t.Helper()
	sc, err := NewScanner([]byte(pattern))
	require.NoError(t, err)

	var fragments []string
	var splits int
	var current bytes.Buffer
	for _, b := range buffers {
		for _, seg := range sc.Scan([]byte(b)) {
			current.Write(seg.Data)
			if seg.Split {
				splits++
				fragments = append(fragments, current.String())
				current.Reset()
			}
		}
		// a read boundary also flushes a fragment: the kernel may emit the
		// buffered bytes as their own segment regardless of splits
		if current.Len() > 0 {
			fragments = append(fragments, current.String())
			current.Reset()
		}
	}
	return fragments, splits
}

func TestScanWholeMatchAtBufferStart(t *testing.T) {
	frags, splits := feed(t, testPattern, "www.speedtest.net.example.com")
	require.Equal(t, []string{"www.speedtest.net", ".example.com"}, frags)
	require.Equal(t, 1, splits)
}

func TestScanMatchInInterior(t *testing.T) {
	frags, splits := feed(t, testPattern, "Host: www.speedtest.net.example.com")
	require.Equal(t, []string{"Host: www.speedtest.net", ".example.com"}, frags)
	require.Equal(t, 1, splits)
}

func TestScanPartialSuffixNoCompletion(t *testing.T) {
	frags, splits := feed(t, testPattern, "Host: www.speedtes")
	require.Equal(t, []string{"Host: www.speedtes"}, frags)
	require.Equal(t, 0, splits)
}

func TestScanStraddlingTwoReads(t *testing.T) {
	frags, splits := feed(t, testPattern, "Host: www.speedtes", "t.net.example.com")
	require.Equal(t, []string{"Host: www.speedtes", "t.net", ".example.com"}, frags)
	require.Equal(t, 1, splits)
}

func TestScanThreeWayStraddle(t *testing.T) {
	frags, splits := feed(t, testPattern, "Host: www.", "speedtes", "t.net.example.com")
	require.Equal(t, []string{"Host: www.", "speedtes", "t.net", ".example.com"}, frags)
	require.Equal(t, 1, splits)
}

func TestScanAbandonedPrefix(t *testing.T) {
	// a pending prefix that turns out not to continue must not eat bytes
	frags, splits := feed(t, testPattern, "Host: www.speed", "banana")
	require.Equal(t, []string{"Host: www.speed", "banana"}, frags)
	require.Equal(t, 0, splits)
}

func TestScanPatternRepeated(t *testing.T) {
	// one split per buffer when each occurrence arrives in its own read
	frags, splits := feed(t, testPattern, "www.speedtest.net", "www.speedtest.net")
	require.Equal(t, []string{"www.speedtest.net", "www.speedtest.net"}, frags)
	require.Equal(t, 2, splits)
}

func TestScanSecondOccurrenceSameBufferAfterStraddle(t *testing.T) {
	// a straddled completion reports at most one split per buffer; the
	// second occurrence inside the same read is intentionally not split
	frags, splits := feed(t, testPattern, "www.speedtes", "t.netwww.speedtest.net")
	require.Equal(t, []string{"www.speedtes", "t.net", "www.speedtest.net"}, frags)
	require.Equal(t, 1, splits)
}

func TestScanPreservesBytes(t *testing.T) {
	inputs := []string{"Host: ww", "w.speedt", "", "est.netwww.speedtest.ne", "t tail"}
	sc, err := NewScanner([]byte(testPattern))
	require.NoError(t, err)
	var out bytes.Buffer
	for _, in := range inputs {
		for _, seg := range sc.Scan([]byte(in)) {
			out.Write(seg.Data)
		}
	}
	require.Equal(t, "Host: www.speedtest.netwww.speedtest.net tail", out.String())
}

func TestNewScannerRejectsBadPattern(t *testing.T) {
	_, err := NewScanner(nil)
	require.Error(t, err)
	_, err = NewScanner(bytes.Repeat([]byte("x"), MaxPatternLen+1))
	require.Error(t, err)
}
