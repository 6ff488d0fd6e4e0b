package venues

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/schema"
)

func TestCanonicalSymbolCollapsesVenueForms(t *testing.T) {
	require.Equal(t, "BTCUSDT", CanonicalSymbol("btcusdt"))
	require.Equal(t, "BTCUSDT", CanonicalSymbol("BTC-USDT-SWAP"))
	require.Equal(t, "BTCUSDT", CanonicalSymbol(" BTC-USDT "))
	require.Equal(t, "ETHUSDT", CanonicalSymbol("ETHUSDT"))
}

func TestParseSideNormalizesAliases(t *testing.T) {
	require.Equal(t, schema.SideBuy, ParseSide("BUY"))
	require.Equal(t, schema.SideBuy, ParseSide("bid"))
	require.Equal(t, schema.SideBuy, ParseSide("long"))
	require.Equal(t, schema.SideSell, ParseSide("Sell"))
	require.Equal(t, schema.SideSell, ParseSide("ask"))
	require.Equal(t, schema.Side(""), ParseSide("both"))
}

func TestSeqFromNumberToleratesBadInput(t *testing.T) {
	require.Equal(t, schema.SeqNum(42), SeqFromNumber(json.Number("42")))
	require.Equal(t, schema.SeqNum(0), SeqFromNumber(json.Number("")))
	require.Equal(t, schema.SeqNum(0), SeqFromNumber(json.Number("-7")))
	require.Equal(t, schema.SeqNum(0), SeqFromNumber(json.Number("abc")))
}

func TestFirstSeqPrefersEarlierSpelling(t *testing.T) {
	require.Equal(t, schema.SeqNum(5), FirstSeq(json.Number("5"), json.Number("9")))
	require.Equal(t, schema.SeqNum(9), FirstSeq(json.Number(""), json.Number("9")))
	require.Equal(t, schema.SeqNum(0), FirstSeq(json.Number(""), json.Number("")))
}

func TestLevelsSkipsMalformedPairs(t *testing.T) {
	levels := Levels([][]string{{"100.5", "2"}, {"bad"}, {"101", "0"}})
	require.Len(t, levels, 2)
	require.Equal(t, schema.PriceLevel{Price: "100.5", Quantity: "2"}, levels[0])
	require.Equal(t, schema.PriceLevel{Price: "101", Quantity: "0"}, levels[1])
}
