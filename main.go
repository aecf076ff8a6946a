// Copyright 2026 Mandala Network
//
// AGiD gateway daemon.
// Boots the threshold wallet (restore or DKG), opens the audit chain, wires
// the identity gate, session manager, vaults and agent loop, and serves the
// messaging inbox until terminated.

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mandala-Network/AGiD-sub000/pkg/agent"
	"github.com/Mandala-Network/AGiD-sub000/pkg/audit"
	"github.com/Mandala-Network/AGiD-sub000/pkg/auditdb"
	"github.com/Mandala-Network/AGiD-sub000/pkg/config"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/gateway"
	"github.com/Mandala-Network/AGiD-sub000/pkg/identity"
	"github.com/Mandala-Network/AGiD-sub000/pkg/kvdb"
	"github.com/Mandala-Network/AGiD-sub000/pkg/ledger"
	"github.com/Mandala-Network/AGiD-sub000/pkg/messaging"
	"github.com/Mandala-Network/AGiD-sub000/pkg/session"
	"github.com/Mandala-Network/AGiD-sub000/pkg/storage"
	"github.com/Mandala-Network/AGiD-sub000/pkg/vault"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var showHelp = flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	log.Printf("🚀 Starting AGiD gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	log.Printf("📋 Network: %s, %d-of-%d threshold group", cfg.Network, cfg.Threshold, cfg.TotalParties())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==========================================================================
	// Threshold wallet: restore the local share or run DKG with the cosigners
	// ==========================================================================
	partyKey, err := loadOrCreatePartyKey(filepath.Join(cfg.DataDir, "party.key"), cfg.ShareSecret)
	if err != nil {
		log.Fatal("Failed to load party key: ", err)
	}
	shareStore := &thresh.ShareStore{Path: cfg.SharePath, Passphrase: cfg.ShareSecret}
	local := thresh.NewParty(0, partyKey, shareStore, nil)

	cosigners := make([]thresh.Cosigner, len(cfg.CosignerEndpoints))
	for i, endpoint := range cfg.CosignerEndpoints {
		cosigners[i] = thresh.NewHTTPCosigner(endpoint, cfg.CosignerTimeout)
	}
	engine := thresh.NewEngine(local, cosigners, thresh.EngineConfig{
		Threshold:     cfg.Threshold,
		SuspectWindow: cfg.SuspectWindow,
	})

	bootCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := engine.Bootstrap(bootCtx); err != nil {
		cancel()
		log.Fatal("Wallet bootstrap failed: ", err)
	}
	cancel()
	log.Printf("🔑 Wallet ready, collective identity %s", engine.Identity())

	kv, err := kvdb.Open("wallet", cfg.DataDir)
	if err != nil {
		log.Fatal("Failed to open local KV store: ", err)
	}
	defer kv.Close()
	w := wallet.NewThreshold(engine, ledger.NewStore(kv), nil)

	// ==========================================================================
	// Audit chain and external anchoring
	// ==========================================================================
	chain, err := audit.Open(cfg.AuditPath, w, nil)
	if err != nil {
		log.Fatal("Failed to open audit chain: ", err)
	}
	defer chain.Close()
	log.Printf("🧾 Audit chain at %s (%d entries)", cfg.AuditPath, chain.Length())

	committer, err := newFileCommitter(filepath.Join(cfg.DataDir, "commitments"))
	if err != nil {
		log.Fatal("Failed to create committer: ", err)
	}
	anchors := audit.NewAnchorManager(committer, cfg.AnchorIntervalEntries, nil)
	anchors.Attach(chain)

	var archive *auditdb.Repository
	if cfg.AuditDatabaseURL != "" {
		client, err := auditdb.NewClient(cfg.AuditDatabaseURL)
		if err != nil {
			log.Printf("⚠️ Audit archive unavailable, continuing without: %v", err)
		} else {
			defer client.Close()
			archive = auditdb.NewRepository(client)
		}
	}

	// ==========================================================================
	// Identity gate and session manager
	// ==========================================================================
	revocations := identity.NewLocalRevocations()
	var checker identity.RevocationChecker = revocations
	if cfg.RevocationService != "" {
		overlay, err := identity.NewOverlayRevocations(
			&httpOverlayLookup{endpoint: cfg.RevocationService}, 4096, 30*time.Second)
		if err != nil {
			log.Fatal("Failed to create overlay revocation checker: ", err)
		}
		checker = overlay
	}
	var opts []identity.VerifierOption
	if cfg.FailOpen {
		opts = append(opts, identity.WithFailOpen())
	}
	trusted := make([]suite.Identity, len(cfg.TrustedCertifiers))
	for i, id := range cfg.TrustedCertifiers {
		trusted[i] = suite.Identity(id)
	}
	verifier := identity.NewVerifier(trusted, checker, opts...)

	sessions := session.NewManager(session.Config{
		MaxDuration:            cfg.SessionMaxDuration,
		TimingAnomalyThreshold: cfg.TimingAnomalyThreshold,
		ReplayWindow:           cfg.SessionReplayWindow,
	})
	stopCleanup := sessions.StartCleanup(cfg.SessionCleanupInterval)
	defer stopCleanup()

	// ==========================================================================
	// Vaults
	// ==========================================================================
	store, err := storage.NewLocal(filepath.Join(cfg.DataDir, "vault-store"))
	if err != nil {
		log.Fatal("Failed to create vault storage: ", err)
	}
	userVault, err := vault.New(w, store, nil, anchors, nil)
	if err != nil {
		log.Fatal("Failed to create vault: ", err)
	}
	teamVault := vault.NewTeamVault(w, store, verifier, sessions, nil, nil)

	// ==========================================================================
	// Agent loop and tools
	// ==========================================================================
	registry := agent.NewRegistry()
	registerDefaultTools(registry, w, userVault, teamVault)

	model := newModel()
	loop := agent.NewLoop(registry, model, agent.Config{
		MaxIterations: cfg.AgentMaxIterations,
		MaxTokens:     cfg.AgentMaxTokens,
	})

	// ==========================================================================
	// Gateway
	// ==========================================================================
	metrics := gateway.NewMetrics(nil)
	gw, err := gateway.New(gateway.Config{
		Wallet:        w,
		Verifier:      verifier,
		Sessions:      sessions,
		Chain:         chain,
		Anchors:       anchors,
		Vault:         userVault,
		Loop:          loop,
		// The remote message-box transport is an external collaborator; the
		// in-process bus serves single-host deployments and development.
		// cfg.MessageBoxHost selects the remote host once its client is wired.
		Adapter:       messaging.NewMemory(messaging.NewBus()),
		Archive:       archive,
		Metrics:       metrics,
		RatePerSecond: cfg.RateLimitPerSecond,
		RateBurst:     cfg.RateLimitBurst,
	})
	if err != nil {
		log.Fatal("Failed to create gateway: ", err)
	}
	userVault.SetAuditor(gw)
	teamVault.SetAuditor(gw)

	sub, err := gw.Start(ctx)
	if err != nil {
		log.Fatal("Failed to start gateway: ", err)
	}
	defer sub.Close()

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/thresh/", thresh.Handler(local))
		log.Printf("📊 Metrics and cosigner endpoints on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("⚠️ Metrics server stopped: %v", err)
		}
	}()

	log.Printf("✅ Gateway running")
	<-ctx.Done()
	log.Printf("🛑 Shutting down")

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := anchors.Flush(flushCtx); err != nil {
		log.Printf("⚠️ Final anchor flush: %v", err)
	}
}

// loadOrCreatePartyKey loads the sealed long-term party key or generates and
// persists a fresh one.
func loadOrCreatePartyKey(path, passphrase string) (*suite.KeyPair, error) {
	if sealed, err := os.ReadFile(path); err == nil {
		plain, err := suite.OpenWithPassphrase(passphrase, sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal party key: %w", err)
		}
		defer suite.Zero(plain)
		priv := suite.S().Scalar()
		if err := priv.UnmarshalBinary(plain); err != nil {
			return nil, fmt.Errorf("parse party key: %w", err)
		}
		return &suite.KeyPair{Private: priv, Public: suite.S().Point().Mul(priv, nil)}, nil
	}

	kp := suite.NewKeyPair()
	raw, err := kp.Private.MarshalBinary()
	if err != nil {
		return nil, err
	}
	defer suite.Zero(raw)
	sealed, err := suite.SealWithPassphrase(passphrase, raw)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, err
	}
	return kp, nil
}

// registerDefaultTools exposes the wallet and vaults through the agent loop.
func registerDefaultTools(registry *agent.Registry, w *wallet.Threshold, v *vault.Vault, tv *vault.TeamVault) {
	registry.Register(&agent.Tool{
		Name:        "vault_search",
		Domain:      "vault",
		Description: "Search the caller's vault by path and cached content.",
		ParameterSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, sc agent.SessionContext, params map[string]interface{}) (interface{}, error) {
			q, _ := params["query"].(string)
			return v.Search(ctx, sc.UserKey, q, 10)
		},
	})
	registry.Register(&agent.Tool{
		Name:        "vault_get",
		Domain:      "vault",
		Description: "Read a document from the caller's vault.",
		ParameterSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, sc agent.SessionContext, params map[string]interface{}) (interface{}, error) {
			path, _ := params["path"].(string)
			content, meta, err := v.ReadDocument(ctx, sc.UserKey, path)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"content": string(content), "meta": meta}, nil
		},
	})
	registry.Register(&agent.Tool{
		Name:        "vault_put",
		Domain:      "vault",
		Description: "Store a document in the caller's vault.",
		ParameterSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, sc agent.SessionContext, params map[string]interface{}) (interface{}, error) {
			path, _ := params["path"].(string)
			content, _ := params["content"].(string)
			return v.UploadDocument(ctx, sc.UserKey, path, []byte(content))
		},
	})
	registry.Register(&agent.Tool{
		Name:        "team_read",
		Domain:      "team",
		Description: "Read a document from a team vault the caller belongs to.",
		ParameterSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"team_id": map[string]interface{}{"type": "string"},
				"path":    map[string]interface{}{"type": "string"},
			},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, sc agent.SessionContext, params map[string]interface{}) (interface{}, error) {
			teamID, _ := params["team_id"].(string)
			path, _ := params["path"].(string)
			content, err := tv.ReadDocument(ctx, teamID, sc.UserKey, path)
			if err != nil {
				return nil, err
			}
			return map[string]string{"content": string(content)}, nil
		},
	})
	registry.Register(&agent.Tool{
		Name:        "team_store",
		Domain:      "team",
		Description: "Store a document in a team vault the caller can write to.",
		ParameterSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"team_id": map[string]interface{}{"type": "string"},
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, sc agent.SessionContext, params map[string]interface{}) (interface{}, error) {
			teamID, _ := params["team_id"].(string)
			path, _ := params["path"].(string)
			content, _ := params["content"].(string)
			return tv.StoreDocument(ctx, teamID, sc.UserKey, path, []byte(content))
		},
	})
	registry.Register(&agent.Tool{
		Name:        "create_payment",
		Domain:      "wallet",
		Description: "Construct a signed payment action from the agent wallet.",
		ParameterSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"to":     map[string]interface{}{"type": "string"},
				"amount": map[string]interface{}{"type": "number"},
			},
		},
		RequiresWallet: true,
		Handler: func(ctx context.Context, sc agent.SessionContext, params map[string]interface{}) (interface{}, error) {
			to, _ := params["to"].(string)
			amount, _ := params["amount"].(float64)
			res, err := w.CreateAction(ctx, wallet.CreateActionArgs{
				Description: "agent payment",
				Outputs:     []wallet.ActionOutput{{Amount: uint64(amount), To: suite.Identity(to)}},
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"tx_id": res.TxID.Hex()}, nil
		},
	})
}

// ==========================================================================
// Small adapter implementations for external interfaces
// ==========================================================================

// fileCommitter is the development commitment service: roots are recorded in
// a local append-only file and the reference is the root hash itself.
type fileCommitter struct {
	path string
}

func newFileCommitter(dir string) (*fileCommitter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileCommitter{path: filepath.Join(dir, "roots.log")}, nil
}

func (f *fileCommitter) Commit(_ context.Context, merkleRoot []byte) (string, error) {
	ref := hex.EncodeToString(merkleRoot)
	line := fmt.Sprintf("%d %s\n", time.Now().UnixMilli(), ref)
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		return "", err
	}
	return ref, nil
}

func (f *fileCommitter) Lookup(_ context.Context, ref string) (*audit.CommitmentInfo, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		var ts int64
		var got string
		if _, err := fmt.Sscanf(string(line), "%d %s", &ts, &got); err == nil && got == ref {
			return &audit.CommitmentInfo{Timestamp: time.UnixMilli(ts)}, nil
		}
	}
	return nil, fmt.Errorf("commitment %s not found", ref)
}

// httpOverlayLookup queries the configured overlay service.
type httpOverlayLookup struct {
	endpoint string
}

func (o *httpOverlayLookup) Query(ctx context.Context, service string, predicate map[string]string) ([]map[string]string, error) {
	body, err := json.Marshal(map[string]interface{}{"service": service, "predicate": predicate})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("overlay status %d", resp.StatusCode)
	}
	var records []map[string]string
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// staticModel is the placeholder when no model endpoint is configured; it
// refuses work instead of fabricating replies.
type staticModel struct{}

func (staticModel) Complete(_ context.Context, _ agent.Request) (*agent.Response, error) {
	return &agent.Response{
		FinalReply: "no model endpoint configured; set AGID_MODEL_URL",
	}, nil
}

// httpModel speaks to an external completion endpoint.
type httpModel struct {
	endpoint string
}

func (m *httpModel) Complete(ctx context.Context, req agent.Request) (*agent.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model status %d", resp.StatusCode)
	}
	var out agent.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func newModel() agent.Model {
	if url := os.Getenv("AGID_MODEL_URL"); url != "" {
		return &httpModel{endpoint: url}
	}
	return staticModel{}
}

func printHelp() {
	fmt.Println(`AGiD gateway

Environment:
  AGID_CONFIG                     optional YAML config file
  AGID_NETWORK                    mainnet | testnet
  AGID_COSIGNER_ENDPOINTS         comma-separated cosigner URLs
  AGID_THRESHOLD                  t of the t-of-n signing group
  AGID_SHARE_PATH                 encrypted wallet share file (required)
  AGID_SHARE_SECRET               share passphrase (required)
  AGID_TRUSTED_CERTIFIERS         comma-separated certifier identities
  AGID_MESSAGEBOX_HOST            messaging server URL
  AGID_MODEL_URL                  completion endpoint for the agent loop
  AGID_AUDIT_PATH                 audit chain file
  AGID_AUDIT_DATABASE_URL         optional PostgreSQL archive
  AGID_DATA_DIR                   local state directory
  AGID_METRICS_ADDR               metrics / cosigner listen address`)
}
