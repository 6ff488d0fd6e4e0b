package schema

import "github.com/tidemill/weir/internal/bus"

// Typed topic registry. Every topic carried by the bus is declared here so
// publish and subscribe sites are checked at compile time.

// Normalized market topics.
var (
	TopicTicker            = bus.NewTopic[TickerEvent]("market:ticker")
	TopicKline             = bus.NewTopic[KlineEvent]("market:kline")
	TopicTrade             = bus.NewTopic[TradeEvent]("market:trade")
	TopicOrderbookSnapshot = bus.NewTopic[OrderbookSnapshotEvent]("market:orderbook_l2_snapshot")
	TopicOrderbookDelta    = bus.NewTopic[OrderbookDeltaEvent]("market:orderbook_l2_delta")
	TopicOI                = bus.NewTopic[OpenInterestEvent]("market:oi")
	TopicFunding           = bus.NewTopic[FundingRateEvent]("market:funding")
	TopicLiquidation       = bus.NewTopic[LiquidationEvent]("market:liquidation")
)

// Raw venue topics. Payloads are undecoded transport frames.
var (
	TopicTradeRaw             = bus.NewTopic[RawEvent]("market:trade_raw")
	TopicOrderbookSnapshotRaw = bus.NewTopic[RawEvent]("market:orderbook_snapshot_raw")
	TopicOrderbookDeltaRaw    = bus.NewTopic[RawEvent]("market:orderbook_delta_raw")
	TopicCandleRaw            = bus.NewTopic[RawEvent]("market:candle_raw")
	TopicMarkPriceRaw         = bus.NewTopic[RawEvent]("market:mark_price_raw")
	TopicIndexPriceRaw        = bus.NewTopic[RawEvent]("market:index_price_raw")
	TopicFundingRaw           = bus.NewTopic[RawEvent]("market:funding_raw")
	TopicOpenInterestRaw      = bus.NewTopic[RawEvent]("market:open_interest_raw")
	TopicLiquidationRaw       = bus.NewTopic[RawEvent]("market:liquidation_raw")
	TopicWSEventRaw           = bus.NewTopic[RawEvent]("market:ws_event_raw")
)

// Aggregated topics. Produced only internally; never replayed as inputs.
var (
	TopicOIAgg           = bus.NewTopic[OIAggregate]("market:oi_agg")
	TopicFundingAgg      = bus.NewTopic[FundingAggregate]("market:funding_agg")
	TopicLiquidationsAgg = bus.NewTopic[LiquidationsAggregate]("market:liquidations_agg")
	TopicVolumeAgg       = bus.NewTopic[VolumeAggregate]("market:volume_agg")
	TopicCVDSpot         = bus.NewTopic[CVDAggregate]("market:cvd_spot")
	TopicCVDFutures      = bus.NewTopic[CVDAggregate]("market:cvd_futures")
	TopicCVDSpotAgg      = bus.NewTopic[CVDAggregate]("market:cvd_spot_agg")
	TopicCVDFuturesAgg   = bus.NewTopic[CVDAggregate]("market:cvd_futures_agg")
	TopicCVDAgg          = bus.NewTopic[CVDAggregate]("market:cvd_agg")
	TopicPriceIndex      = bus.NewTopic[CanonicalPriceEvent]("market:price_index")
	TopicPriceCanonical  = bus.NewTopic[CanonicalPriceEvent]("market:price_canonical")
	TopicLiquidityAgg    = bus.NewTopic[LiquidityAggregate]("market:liquidity_agg")
)

// Analytics topics.
var (
	TopicFeatures      = bus.NewTopic[FeatureSet]("analytics:features")
	TopicKlineFeatures = bus.NewTopic[KlineFeatures]("analytics:kline_features")
	TopicContext       = bus.NewTopic[MarketContext]("analytics:context")
	TopicReady         = bus.NewTopic[ReadyEvent]("analytics:ready")
	TopicFlow          = bus.NewTopic[FlowSnapshot]("analytics:flow")
	TopicLiquidity     = bus.NewTopic[LiquidityAggregate]("analytics:liquidity")
	TopicMarketView    = bus.NewTopic[MarketView]("analytics:market_view")
	TopicRegime        = bus.NewTopic[RegimeEvent]("analytics:regime")
	TopicRegimeExplain = bus.NewTopic[RegimeExplain]("analytics:regime_explain")
)

// Lifecycle and control topics.
var (
	TopicConnect                 = bus.NewTopic[ConnectRequest]("market:connect")
	TopicDisconnect              = bus.NewTopic[DisconnectRequest]("market:disconnect")
	TopicSubscribe               = bus.NewTopic[SubscribeRequest]("market:subscribe")
	TopicConnected               = bus.NewTopic[ConnectionEvent]("market:connected")
	TopicDisconnected            = bus.NewTopic[ConnectionEvent]("market:disconnected")
	TopicMarketError             = bus.NewTopic[MarketError]("market:error")
	TopicResyncRequested         = bus.NewTopic[ResyncRequest]("market:resync_requested")
	TopicKlineBootstrapRequested = bus.NewTopic[KlineBootstrapRequest]("market:kline_bootstrap_requested")
	TopicKlineBootstrap          = bus.NewTopic[KlineBootstrap]("market:kline_bootstrap")
	TopicControlCommand          = bus.NewTopic[ControlCommand]("control:command")
	TopicControlState            = bus.NewTopic[ControlState]("control:state")
)

// State persistence topics.
var (
	TopicSnapshotRequested = bus.NewTopic[SnapshotRequest]("state:snapshot_requested")
	TopicSnapshotWritten   = bus.NewTopic[SnapshotWritten]("state:snapshot_written")
	TopicRecoveryRequested = bus.NewTopic[RecoveryRequest]("state:recovery_requested")
	TopicRecoveryLoaded    = bus.NewTopic[RecoveryLoaded]("state:recovery_loaded")
	TopicRecoveryFailed    = bus.NewTopic[RecoveryFailed]("state:recovery_failed")
)

// Quality and system topics.
var (
	TopicGapDetected        = bus.NewTopic[GapEvent]("data:gapDetected")
	TopicOutOfOrder         = bus.NewTopic[OutOfOrderEvent]("data:outOfOrder")
	TopicTimeOutOfOrder     = bus.NewTopic[OutOfOrderEvent]("data:time_out_of_order")
	TopicSeqGapOrOutOfOrder = bus.NewTopic[OutOfOrderEvent]("data:sequence_gap_or_out_of_order")
	TopicLatencySpike       = bus.NewTopic[LatencySpikeEvent]("data:latencySpike")
	TopicDuplicateDetected  = bus.NewTopic[DuplicateEvent]("data:duplicateDetected")
	TopicSourceDegraded     = bus.NewTopic[SourceStateEvent]("data:sourceDegraded")
	TopicSourceRecovered    = bus.NewTopic[SourceStateEvent]("data:sourceRecovered")
	TopicStale              = bus.NewTopic[StaleEvent]("data:stale")
	TopicMismatch           = bus.NewTopic[MismatchEvent]("data:mismatch")
	TopicConfidence         = bus.NewTopic[ConfidenceEvent]("data:confidence")
	TopicMarketDataStatus   = bus.NewTopic[MarketDataStatus]("system:market_data_status")
	TopicWriteFailed        = bus.NewTopic[WriteFailure]("storage:writeFailed")
	TopicReplayWarning      = bus.NewTopic[ReplayWarning]("replay:warning")
	TopicReplayFinished     = bus.NewTopic[ReplayFinished]("replay:finished")
	TopicReplayError        = bus.NewTopic[ReplayError]("replay:error")
)
