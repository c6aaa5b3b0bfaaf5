package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veilex/veilex-api/internal/auth"
	"github.com/veilex/veilex-api/internal/channel"
	"github.com/veilex/veilex-api/internal/commitment"
	"github.com/veilex/veilex-api/internal/database"
	"github.com/veilex/veilex-api/internal/matching"
	"github.com/veilex/veilex-api/internal/policy"
	"github.com/veilex/veilex-api/internal/swap"
	"github.com/veilex/veilex-api/internal/transfer"
	"github.com/veilex/veilex-api/internal/types"
	"github.com/veilex/veilex-api/pkg/middleware"
	"github.com/veilex/veilex-api/pkg/protocol"
)

const (
	minCycles     = 10
	maxCycles     = 40
	numWorkers    = 4
	serverAddress = "http://localhost:8080"

	// Amounts are in micro-units of each token
	ethUnit  = 1_000_000
	usdcUnit = 1_000_000
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// trader holds a simulated participant: a secp256k1 keypair, the derived
// protocol identity and the API token bound to it
type trader struct {
	name     string
	key      *btcec.PrivateKey
	identity string
	token    string
}

func (t *trader) sign(hash []byte) (string, error) {
	sig, err := protocol.SignHash(t.key, hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// simulationClient handles HTTP communication with the settlement API
type simulationClient struct {
	baseURL       string
	operatorToken string
	client        *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates the operator credentials and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"register":  {name: "Register Trader"},
			"channel":   {name: "Channel Ops"},
			"commit":    {name: "Submit Commitment"},
			"reveal":    {name: "Reveal Order"},
			"match":     {name: "Match Orders"},
			"settle":    {name: "Settle Match"},
			"offer":     {name: "Create Offer"},
			"take":      {name: "Take Offer"},
			"complete":  {name: "Complete Swap"},
			"emergency": {name: "Emergency Request"},
		},
	}

	token, err := sc.authenticate("operator-api-key", "operator-api-secret")
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate operator: %w", err)
	}
	sc.operatorToken = token

	return sc, nil
}

func (sc *simulationClient) record(stat string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[stat]
	rs.addDuration(time.Since(start))
	if failed {
		rs.failures++
	}
}

// doJSON performs an authenticated JSON request against the API and decodes
// the data field of the response envelope into out
func (sc *simulationClient) doJSON(stat, method, path, token string, body, out interface{}) error {
	start := time.Now()
	failed := false
	defer func() { sc.record(stat, start, failed) }()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			failed = true
			return err
		}
		reqBody = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reqBody)
	if err != nil {
		failed = true
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response data: %w, body: %s", err, string(respBody))
	}

	return nil
}

// authenticate obtains a JWT token for the given API credentials
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var tokenResp auth.TokenResponse
	err := sc.doJSON("auth", "POST", "/api/v1/auth/token", "", auth.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, &tokenResp)
	if err != nil {
		return "", err
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("no token in response")
	}
	return tokenResp.Token, nil
}

// newTrader generates a keypair, registers credentials bound to the derived
// identity and authenticates
func (sc *simulationClient) newTrader(name string) (*trader, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	t := &trader{
		name:     name,
		key:      key,
		identity: protocol.Identity(key.PubKey()),
	}

	apiKey := fmt.Sprintf("sim-%s-key", name)
	apiSecret := fmt.Sprintf("sim-%s-secret", name)
	err = sc.doJSON("register", "POST", "/api/v1/auth/register", "", auth.RegisterRequest{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Identity:  t.identity,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", name, err)
	}

	t.token, err = sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", name, err)
	}

	return t, nil
}

// openChannel opens a funded state channel for the trader
func (sc *simulationClient) openChannel(t *trader, balance uint64) (*channel.StateChannel, error) {
	var ch channel.StateChannel
	err := sc.doJSON("channel", "POST", "/api/v1/channels", t.token, channel.OpenRequest{
		InitialBalance: balance,
	}, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// getChannel fetches the trader's channel state
func (sc *simulationClient) getChannel(t *trader) (*channel.StateChannel, error) {
	var ch channel.StateChannel
	err := sc.doJSON("channel", "GET", "/api/v1/channels/"+t.identity, t.token, nil, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// signedUpdate submits a signed off-chain state update for the trader's channel
func (sc *simulationClient) signedUpdate(t *trader, newBalance, newNonce uint64) error {
	ts := time.Now()
	sig, err := t.sign(protocol.UpdateHash(t.identity, newBalance, newNonce, ts))
	if err != nil {
		return err
	}
	return sc.doJSON("channel", "POST", "/api/v1/channels/update", t.token, channel.UpdateRequest{
		NewBalance: newBalance,
		NewNonce:   newNonce,
		Timestamp:  ts.Unix(),
		Signature:  sig,
	}, nil)
}

// closeChannel cooperatively closes the trader's channel at its current balance
func (sc *simulationClient) closeChannel(t *trader) error {
	ch, err := sc.getChannel(t)
	if err != nil {
		return err
	}
	sig, err := t.sign(protocol.CloseHash(t.identity, ch.Balance))
	if err != nil {
		return err
	}
	return sc.doJSON("channel", "POST", "/api/v1/channels/close", t.token, channel.CloseRequest{
		FinalBalance: ch.Balance,
		Signature:    sig,
	}, nil)
}

// submitAndReveal runs the commit-reveal sequence for one hidden order and
// returns its commitment
func (sc *simulationClient) submitAndReveal(t *trader, params protocol.OrderParams, secretNonce uint64) (string, error) {
	commit := protocol.CommitmentHash(params, secretNonce)

	err := sc.doJSON("commit", "POST", "/api/v1/commitments", t.token, commitment.SubmitRequest{
		Commitment: commit,
	}, nil)
	if err != nil {
		return "", err
	}

	var order types.Order
	err = sc.doJSON("reveal", "POST", "/api/v1/commitments/"+commit+"/reveal", t.token, commitment.RevealRequest{
		TokenIn:     params.TokenIn,
		TokenOut:    params.TokenOut,
		AmountIn:    params.AmountIn,
		AmountOut:   params.AmountOut,
		Side:        params.Side,
		SecretNonce: secretNonce,
	}, &order)
	if err != nil {
		return "", err
	}
	if !order.Revealed {
		return "", fmt.Errorf("order %s not marked revealed", commit)
	}

	return commit, nil
}

// matchAndSettle binds two revealed orders and settles the match with both
// participants' signatures over the settlement hash
func (sc *simulationClient) matchAndSettle(buyer, seller *trader, buyCommit, sellCommit string) (*matching.Match, error) {
	var match matching.Match
	err := sc.doJSON("match", "POST", "/api/v1/matches", sc.operatorToken, matching.MatchRequest{
		CommitmentA: buyCommit,
		CommitmentB: sellCommit,
	}, &match)
	if err != nil {
		return nil, err
	}

	hash := protocol.SettlementHash(match.MatchID, match.AmountBuySide, match.AmountSellSide, match.CreatedAt)
	buySig, err := buyer.sign(hash)
	if err != nil {
		return nil, err
	}
	sellSig, err := seller.sign(hash)
	if err != nil {
		return nil, err
	}

	var settled matching.Match
	err = sc.doJSON("settle", "POST", "/api/v1/matches/"+match.MatchID+"/settle", sc.operatorToken, matching.SettleRequest{
		BuySignature:  buySig,
		SellSignature: sellSig,
	}, &settled)
	if err != nil {
		return nil, err
	}

	return &settled, nil
}

// runSwap runs the full offer lifecycle: the offerer publishes a
// commitment-bound offer, the taker binds to it and both sign completion
func (sc *simulationClient) runSwap(offerer, taker *trader, amountIn, amountOut uint64) (*swap.SwapExecution, error) {
	secretNonce := rand.Uint64()

	var offer swap.SwapOffer
	err := sc.doJSON("offer", "POST", "/api/v1/swaps/offers", offerer.token, swap.CreateOfferRequest{
		TokenIn:     "ETH",
		TokenOut:    "USDC",
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		SecretNonce: secretNonce,
		TTLSecs:     600,
	}, &offer)
	if err != nil {
		return nil, err
	}

	var exec swap.SwapExecution
	err = sc.doJSON("take", "POST", "/api/v1/swaps/offers/"+offer.Commitment+"/take", taker.token, swap.TakeOfferRequest{
		SecretNonce: secretNonce,
	}, &exec)
	if err != nil {
		return nil, err
	}

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)
	offererSig, err := offerer.sign(hash)
	if err != nil {
		return nil, err
	}
	takerSig, err := taker.sign(hash)
	if err != nil {
		return nil, err
	}

	var completed swap.SwapExecution
	err = sc.doJSON("complete", "POST", "/api/v1/swaps/executions/"+exec.ExecutionID+"/complete", offerer.token, swap.CompleteSwapRequest{
		OffererSignature: offererSig,
		TakerSignature:   takerSig,
	}, &completed)
	if err != nil {
		return nil, err
	}

	return &completed, nil
}

// requestEmergencyWithdraw opens a timelocked withdrawal request for the
// trader. The timelock keeps the simulation from executing it; the request
// itself exercises the emergency path.
func (sc *simulationClient) requestEmergencyWithdraw(t *trader, reason string) (*policy.EmergencyRequest, error) {
	var req policy.EmergencyRequest
	err := sc.doJSON("emergency", "POST", "/api/v1/emergency/request", t.token, map[string]string{
		"reason": reason,
	}, &req)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// tradeCycle is one complete commit-reveal-match-settle round between a buyer
// and a seller at a randomized price
func tradeCycle(sc *simulationClient, buyer, seller *trader) (*matching.Match, error) {
	// Price in USDC micro-units per ETH, jittered around 1500
	price := uint64(1400+rand.Intn(200)) * usdcUnit
	ethAmount := uint64(1+rand.Intn(3)) * ethUnit
	usdcAmount := price * ethAmount / ethUnit

	buyCommit, err := sc.submitAndReveal(buyer, protocol.OrderParams{
		TokenIn:   "USDC",
		TokenOut:  "ETH",
		AmountIn:  usdcAmount,
		AmountOut: ethAmount,
		Side:      types.SideBuy,
	}, rand.Uint64())
	if err != nil {
		return nil, fmt.Errorf("buy order: %w", err)
	}

	sellCommit, err := sc.submitAndReveal(seller, protocol.OrderParams{
		TokenIn:   "ETH",
		TokenOut:  "USDC",
		AmountIn:  ethAmount,
		AmountOut: usdcAmount,
		Side:      types.SideSell,
	}, rand.Uint64())
	if err != nil {
		return nil, fmt.Errorf("sell order: %w", err)
	}

	return sc.matchAndSettle(buyer, seller, buyCommit, sellCommit)
}

// main runs the settlement simulation
// It starts a local API server and simulates traders running commit-reveal
// trades, atomic swaps and channel updates
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Register trader keypairs and fund their channels
	traders := make([]*trader, 0, numWorkers*2)
	for i := 0; i < numWorkers*2; i++ {
		t, err := simClient.newTrader(fmt.Sprintf("trader%d", i))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up trader")
		}
		if _, err := simClient.openChannel(t, 10_000_000*usdcUnit); err != nil {
			log.Fatal().Err(err).Str("trader", t.name).Msg("Failed to open channel")
		}
		traders = append(traders, t)
	}

	targetCycles := rand.Intn(maxCycles-minCycles) + minCycles
	log.Info().Int("target_cycles", targetCycles).Msg("Starting simulation")

	stats := struct {
		TotalCycles    int
		SettledTrades  int
		FailedTrades   int
		CompletedSwaps int
		FailedSwaps    int
		ChannelOps     int
		TotalFees      uint64
		TotalVolume    uint64
		StartTime      time.Time
	}{
		StartTime:   time.Now(),
		TotalCycles: targetCycles,
	}

	// Run trade cycles across worker goroutines, one buyer/seller pair per
	// worker so concurrent cycles never contend for the same orders
	type cycleResult struct {
		match *matching.Match
		err   error
	}
	resultsChan := make(chan cycleResult, targetCycles)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			buyer := traders[workerID*2]
			seller := traders[workerID*2+1]
			for i := 0; i < targetCycles/numWorkers; i++ {
				match, err := tradeCycle(simClient, buyer, seller)
				resultsChan <- cycleResult{match: match, err: err}
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(w)
	}

	wg.Wait()
	close(resultsChan)

	for res := range resultsChan {
		if res.err != nil {
			log.Error().Err(res.err).Msg("Trade cycle failed")
			stats.FailedTrades++
			continue
		}
		stats.SettledTrades++
		stats.TotalVolume += res.match.AmountBuySide
		log.Info().
			Str("match_id", res.match.MatchID).
			Uint64("amount_buy_side", res.match.AmountBuySide).
			Uint64("amount_sell_side", res.match.AmountSellSide).
			Msg("Trade settled")
	}

	// Run atomic swaps between adjacent trader pairs
	for i := 0; i+1 < len(traders); i += 2 {
		exec, err := simClient.runSwap(traders[i], traders[i+1], 2*ethUnit, 3000*usdcUnit)
		if err != nil {
			log.Error().Err(err).Msg("Swap failed")
			stats.FailedSwaps++
			continue
		}
		stats.CompletedSwaps++
		stats.TotalFees += exec.FeePaid
		log.Info().
			Str("execution_id", exec.ExecutionID).
			Uint64("fee_paid", exec.FeePaid).
			Msg("Swap completed")
	}

	// Exercise the timelocked emergency path; the 48h timelock keeps the
	// request pending for the rest of the run
	if req, err := simClient.requestEmergencyWithdraw(traders[0], "simulation drill"); err != nil {
		log.Error().Err(err).Msg("Emergency request failed")
	} else {
		log.Info().
			Str("request_id", req.RequestID).
			Time("requested_at", req.RequestedAt).
			Msg("Emergency withdrawal requested")
	}

	// Exercise signed off-chain updates and cooperative close
	for _, t := range traders {
		ch, err := simClient.getChannel(t)
		if err != nil {
			log.Error().Err(err).Str("trader", t.name).Msg("Failed to fetch channel")
			continue
		}
		if err := simClient.signedUpdate(t, ch.Balance, ch.Nonce+1); err != nil {
			log.Error().Err(err).Str("trader", t.name).Msg("Signed update failed")
			continue
		}
		stats.ChannelOps++
		if err := simClient.closeChannel(t); err != nil {
			log.Error().Err(err).Str("trader", t.name).Msg("Channel close failed")
			continue
		}
		stats.ChannelOps++
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Cycle Statistics
------------------
Target Cycles:    %d
Settled Trades:   %d
Failed Trades:    %d
Completed Swaps:  %d
Failed Swaps:     %d
Channel Ops:      %d
Total Volume:     %d
Total Fees:       %d
Duration:         %v
`, stats.TotalCycles, stats.SettledTrades, stats.FailedTrades,
		stats.CompletedSwaps, stats.FailedSwaps, stats.ChannelOps,
		stats.TotalVolume, stats.TotalFees, duration.Round(time.Millisecond))

	fmt.Println("\n" + strings.Repeat("=", 80))

	attempted := stats.SettledTrades + stats.FailedTrades
	successRate := 0.0
	if attempted > 0 {
		successRate = float64(stats.SettledTrades) / float64(attempted) * 100
	}
	log.Info().
		Float64("success_rate", successRate).
		Int("settled_trades", stats.SettledTrades).
		Int("completed_swaps", stats.CompletedSwaps).
		Uint64("total_fees", stats.TotalFees).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// startServer initializes and starts the settlement API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase("veilex_simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	jwtSecret := "veilex-secret-key"

	// Initialize services
	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials("operator-api-key", "operator-api-secret", auth.RoleOperator, "")

	substrate := transfer.NewLedger(db)
	channelService := channel.NewService(db, substrate)
	policyService, err := policy.NewService(db, channelService)
	if err != nil {
		return fmt.Errorf("failed to initialize policy service: %w", err)
	}
	commitmentService := commitment.NewService(db, policyService)
	matchingService := matching.NewService(db, channelService)
	swapService := swap.NewService(db, policyService, substrate)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	channelHandlers := channel.NewGinHandlers(channelService)
	commitmentHandlers := commitment.NewGinHandlers(commitmentService)
	matchingHandlers := matching.NewGinHandlers(matchingService)
	swapHandlers := swap.NewGinHandlers(swapService)
	policyHandlers := policy.NewGinHandlers(policyService)

	// Setup routes
	setupRoutes(router, jwtSecret, policyService,
		authHandlers, commitmentHandlers, matchingHandlers,
		swapHandlers, channelHandlers, policyHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures the API endpoints the simulation exercises
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	policyService *policy.Service,
	authHandlers *auth.GinHandlers,
	commitmentHandlers *commitment.GinHandlers,
	matchingHandlers *matching.GinHandlers,
	swapHandlers *swap.GinHandlers,
	channelHandlers *channel.GinHandlers,
	policyHandlers *policy.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
			authGroup.POST("/register", authHandlers.RegisterTraderHandler())
		}

		// Trading routes
		trading := v1.Group("")
		trading.Use(middleware.JWTAuth(jwtSecret), middleware.EmergencyGate(policyService))
		{
			commitments := trading.Group("/commitments")
			{
				commitments.POST("", commitmentHandlers.SubmitCommitmentHandler())
				commitments.POST("/:commitment/reveal", commitmentHandlers.RevealHandler())
				commitments.POST("/:commitment/cancel", commitmentHandlers.CancelOrderHandler())
			}

			swaps := trading.Group("/swaps")
			{
				swaps.POST("/offers", swapHandlers.CreateOfferHandler())
				swaps.POST("/offers/:commitment/take", swapHandlers.TakeOfferHandler())
				swaps.POST("/offers/:commitment/cancel", swapHandlers.CancelOfferHandler())
				swaps.POST("/executions/:execution_id/complete", swapHandlers.CompleteSwapHandler())
			}

			channels := trading.Group("/channels")
			{
				channels.POST("", channelHandlers.OpenChannelHandler())
				channels.POST("/update", channelHandlers.ApplyUpdateHandler())
				channels.POST("/close", channelHandlers.CloseChannelHandler())
			}

			operator := trading.Group("")
			operator.Use(middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
			{
				operator.POST("/matches", matchingHandlers.MatchHandler())
				operator.POST("/matches/:match_id/settle", matchingHandlers.SettleHandler())
			}
		}

		// Read-only queries
		queries := v1.Group("")
		queries.Use(middleware.JWTAuth(jwtSecret))
		{
			queries.GET("/orders/:commitment", commitmentHandlers.GetOrderHandler())
			queries.GET("/matches/:match_id", matchingHandlers.GetMatchHandler())
			queries.GET("/channels/:owner", channelHandlers.GetChannelHandler())
		}

		// Emergency routes, never suspended
		emergency := v1.Group("/emergency")
		emergency.Use(middleware.JWTAuth(jwtSecret))
		{
			emergency.POST("/request", policyHandlers.RequestEmergencyWithdrawHandler())
		}
	}
}
