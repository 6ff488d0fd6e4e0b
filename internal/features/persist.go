package features

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot documents carry the smoothing lineage across restarts. Periods
// and windows stay config-owned: a retuned config applies on restore and
// only the accumulated values carry over.

const persistKeySep = "|"

type emaDoc struct {
	Samples int     `msgpack:"samples"`
	Sum     float64 `msgpack:"sum"`
	EMA     float64 `msgpack:"ema"`
	Live    bool    `msgpack:"live"`
}

type rsiDoc struct {
	Samples   int     `msgpack:"samples"`
	PrevClose float64 `msgpack:"prevClose"`
	GainSum   float64 `msgpack:"gainSum"`
	LossSum   float64 `msgpack:"lossSum"`
	AvgGain   float64 `msgpack:"avgGain"`
	AvgLoss   float64 `msgpack:"avgLoss"`
	Live      bool    `msgpack:"live"`
}

type atrDoc struct {
	Samples int     `msgpack:"samples"`
	TRSum   float64 `msgpack:"trSum"`
	ATR     float64 `msgpack:"atr"`
	Live    bool    `msgpack:"live"`
}

type klineChainDoc struct {
	EMAFast      emaDoc    `msgpack:"emaFast"`
	EMASlow      emaDoc    `msgpack:"emaSlow"`
	RSI          rsiDoc    `msgpack:"rsi"`
	ATR          atrDoc    `msgpack:"atr"`
	SlowHistory  []float64 `msgpack:"slowHistory"`
	PrevClose    float64   `msgpack:"prevClose"`
	SampleCount  int       `msgpack:"sampleCount"`
	Seeded       bool      `msgpack:"seeded"`
	ReadyEmitted bool      `msgpack:"readyEmitted"`
}

type klineEngineDoc struct {
	Chains map[string]klineChainDoc `msgpack:"chains"`
}

// Name keys the engine's blob inside a snapshot document.
func (e *KlineEngine) Name() string { return "kline_features" }

// Snapshot exports every (symbol, tf) chain.
func (e *KlineEngine) Snapshot() (any, error) {
	doc := klineEngineDoc{Chains: make(map[string]klineChainDoc, len(e.states))}
	for key, st := range e.states {
		doc.Chains[key.symbol+persistKeySep+key.tf] = klineChainDoc{
			EMAFast:      emaDoc{Samples: st.emaFast.samples, Sum: st.emaFast.sum, EMA: st.emaFast.ema, Live: st.emaFast.live},
			EMASlow:      emaDoc{Samples: st.emaSlow.samples, Sum: st.emaSlow.sum, EMA: st.emaSlow.ema, Live: st.emaSlow.live},
			RSI:          rsiDoc{Samples: st.rsi.samples, PrevClose: st.rsi.prevClose, GainSum: st.rsi.gainSum, LossSum: st.rsi.lossSum, AvgGain: st.rsi.avgGain, AvgLoss: st.rsi.avgLoss, Live: st.rsi.live},
			ATR:          atrDoc{Samples: st.atr.samples, TRSum: st.atr.trSum, ATR: st.atr.atr, Live: st.atr.live},
			SlowHistory:  append([]float64(nil), st.slowHistory...),
			PrevClose:    st.prevClose,
			SampleCount:  st.sampleCount,
			Seeded:       st.seeded,
			ReadyEmitted: st.readyEmitted,
		}
	}
	return doc, nil
}

// Restore rebuilds the chain table from a snapshot blob. Malformed keys are
// skipped rather than failing the whole restore.
func (e *KlineEngine) Restore(data []byte) error {
	var doc klineEngineDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return err
	}
	states := make(map[klineKey]*klineState, len(doc.Chains))
	for key, cd := range doc.Chains {
		symbol, tf, ok := strings.Cut(key, persistKeySep)
		if !ok || symbol == "" || tf == "" {
			e.log.Warn().Str("key", key).Msg("malformed chain key in snapshot")
			continue
		}
		st := e.newState()
		st.emaFast.samples, st.emaFast.sum, st.emaFast.ema, st.emaFast.live =
			cd.EMAFast.Samples, cd.EMAFast.Sum, cd.EMAFast.EMA, cd.EMAFast.Live
		st.emaSlow.samples, st.emaSlow.sum, st.emaSlow.ema, st.emaSlow.live =
			cd.EMASlow.Samples, cd.EMASlow.Sum, cd.EMASlow.EMA, cd.EMASlow.Live
		st.rsi.samples, st.rsi.prevClose = cd.RSI.Samples, cd.RSI.PrevClose
		st.rsi.gainSum, st.rsi.lossSum = cd.RSI.GainSum, cd.RSI.LossSum
		st.rsi.avgGain, st.rsi.avgLoss, st.rsi.live = cd.RSI.AvgGain, cd.RSI.AvgLoss, cd.RSI.Live
		st.atr.samples, st.atr.trSum, st.atr.atr, st.atr.live =
			cd.ATR.Samples, cd.ATR.TRSum, cd.ATR.ATR, cd.ATR.Live
		st.slowHistory = boundTail(cd.SlowHistory, e.cfg.SlopeWindow)
		st.prevClose = cd.PrevClose
		st.sampleCount = cd.SampleCount
		st.seeded = cd.Seeded
		st.readyEmitted = cd.ReadyEmitted
		states[klineKey{symbol: symbol, tf: tf}] = st
	}
	e.states = states
	return nil
}

type tickerStateDoc struct {
	Prices       []float64 `msgpack:"prices"`
	Returns      []float64 `msgpack:"returns"`
	LastPrice    float64   `msgpack:"lastPrice"`
	SampleCount  int       `msgpack:"sampleCount"`
	ReadyEmitted bool      `msgpack:"readyEmitted"`
}

type tickerEngineDoc struct {
	Symbols map[string]tickerStateDoc `msgpack:"symbols"`
}

// Name keys the engine's blob inside a snapshot document.
func (e *TickerEngine) Name() string { return "ticker_features" }

// Snapshot exports the rolling windows per symbol. The emit throttle is not
// persisted; the first tick after a restart emits immediately.
func (e *TickerEngine) Snapshot() (any, error) {
	doc := tickerEngineDoc{Symbols: make(map[string]tickerStateDoc, len(e.states))}
	for symbol, st := range e.states {
		doc.Symbols[symbol] = tickerStateDoc{
			Prices:       append([]float64(nil), st.prices...),
			Returns:      append([]float64(nil), st.returns...),
			LastPrice:    st.lastPrice,
			SampleCount:  st.sampleCount,
			ReadyEmitted: st.readyEmitted,
		}
	}
	return doc, nil
}

// Restore rebuilds the per-symbol windows, truncated to the live config's
// window sizes.
func (e *TickerEngine) Restore(data []byte) error {
	var doc tickerEngineDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return err
	}
	states := make(map[string]*tickerState, len(doc.Symbols))
	for symbol, sd := range doc.Symbols {
		if symbol == "" {
			continue
		}
		states[symbol] = &tickerState{
			prices:       boundTail(sd.Prices, e.cfg.WindowSize),
			returns:      boundTail(sd.Returns, e.cfg.VolatilityWindow),
			lastPrice:    sd.LastPrice,
			sampleCount:  sd.SampleCount,
			readyEmitted: sd.ReadyEmitted,
		}
	}
	e.states = states
	return nil
}

// boundTail keeps the newest max entries of a restored window.
func boundTail(window []float64, max int) []float64 {
	if max > 0 && len(window) > max {
		window = window[len(window)-max:]
	}
	return append([]float64(nil), window...)
}
