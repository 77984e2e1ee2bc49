package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
)

// getOrCreatePK loads the onion service key from a PEM file, generating
// and persisting one on first run.
func getOrCreatePK(path string) (ed25519.PrivateKey, error) {
	d, err := os.ReadFile(path)
	if len(d) == 0 || err != nil {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		if err := os.WriteFile(path, pemEncoded, 0600); err != nil {
			return nil, err
		}
		return privateKey, nil
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	tPk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := tPk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", tPk)
	}
	return pk, nil
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// serveTor exposes the given handler as a v3 onion service. Blocking.
func serveTor(keyPath string, h http.Handler, app *App) error {
	pk, err := getOrCreatePK(keyPath)
	if err != nil {
		return fmt.Errorf("error loading onion key: %v", err)
	}

	d, err := os.MkdirTemp("", "cribwatch-tor")
	if err != nil {
		return err
	}

	t, err := tor.Start(nil, &tor.StartConf{TempDataDirBase: d, NoHush: true})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()

	// Create a v3 onion service listening on any port but shown as 80.
	onion, err := t.Listen(listenCtx, &tor.ListenConf{Key: pk, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	app.logger.Printf("relay listening at http://%v.onion", onionAddr(pk))
	return http.Serve(onion, h)
}
