// Copyright 2026 Mandala Network
//
// Cosigner daemon.
// Runs one remote party of the threshold group: answers DKG deals, signing
// rounds and partial Diffie-Hellman requests over HTTP. Operators run n-1 of
// these alongside the gateway to form the t-of-n group.

package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		index      = flag.Int("index", 0, "Party index in the cosigner group (1..n-1)")
		listenAddr = flag.String("listen", ":9100", "Listen address")
		dataDir    = flag.String("data-dir", "cosigner-data", "State directory")
		secret     = flag.String("secret", os.Getenv("AGID_COSIGNER_SECRET"), "Share passphrase")
	)
	flag.Parse()

	if *index < 1 {
		log.Fatal("cosigner index must be at least 1 (index 0 is the gateway)")
	}
	if *secret == "" {
		log.Fatal("share passphrase required (-secret or AGID_COSIGNER_SECRET)")
	}

	key, err := loadOrCreateKey(filepath.Join(*dataDir, "party.key"), *secret)
	if err != nil {
		log.Fatal("Failed to load party key: ", err)
	}
	store := &thresh.ShareStore{
		Path:       filepath.Join(*dataDir, "share.sealed"),
		Passphrase: *secret,
	}
	party := thresh.NewParty(*index, key, store, nil)

	log.Printf("🔑 Cosigner %d with long-term key %s", *index, party.LongTermPub())
	log.Printf("🚀 Listening on %s", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, thresh.Handler(party)); err != nil {
		log.Fatal("Server stopped: ", err)
	}
}

func loadOrCreateKey(path, passphrase string) (*suite.KeyPair, error) {
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
