// Command oraclectl manages the oracle key and produces settlement
// attestations.
//
//	oraclectl keygen [-out key.json -password pw]
//	oraclectl encrypt-key -key <hex|nsec> -password pw -out key.json
//	oraclectl pubkey
//	oraclectl attest -market <id> -outcome A|B -settlement-time <unix> [-publish]
//
// Key material for pubkey and attest comes from -key or the [oracle] section
// of the config file.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/alanyoungcy/nostrmarket/internal/config"
	"github.com/alanyoungcy/nostrmarket/internal/crypto"
	"github.com/alanyoungcy/nostrmarket/internal/market"
	"github.com/alanyoungcy/nostrmarket/internal/oracle"
	"github.com/alanyoungcy/nostrmarket/internal/relay"
)

const publishTimeout = 10 * time.Second

var errUsage = errors.New("usage: oraclectl <keygen|encrypt-key|pubkey|attest> [flags]")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(context.Background(), os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "oraclectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "keygen":
		return keygen(args[1:], stdout)
	case "encrypt-key":
		return encryptKey(args[1:], stdout)
	case "pubkey":
		return pubkey(args[1:], stdout)
	case "attest":
		return attest(ctx, args[1:], stdout, logger)
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

type keyInfo struct {
	PubKey    string `json:"pubkey"`
	Npub      string `json:"npub"`
	SecretKey string `json:"secret_key,omitempty"`
	Nsec      string `json:"nsec,omitempty"`
	KeyFile   string `json:"key_file,omitempty"`
}

func describe(priv *btcec.PrivateKey, withSecret bool) (keyInfo, error) {
	pubHex := hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	npub, err := nip19.EncodePublicKey(pubHex)
	if err != nil {
		return keyInfo{}, fmt.Errorf("encode npub: %w", err)
	}
	info := keyInfo{PubKey: pubHex, Npub: npub}
	if withSecret {
		info.SecretKey = hex.EncodeToString(priv.Serialize())
		if info.Nsec, err = nip19.EncodePrivateKey(info.SecretKey); err != nil {
			return keyInfo{}, fmt.Errorf("encode nsec: %w", err)
		}
	}
	return info, nil
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "write the key sealed under -password to this file instead of printing it")
	password := fs.String("password", os.Getenv(config.EnvPrefix+"ORACLE_KEY_PASSWORD"), "password for -out")
	if err := fs.Parse(args); err != nil {
		return err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if *out == "" {
		info, err := describe(priv, true)
		if err != nil {
			return err
		}
		return writeJSON(stdout, info)
	}

	if err := seal(hex.EncodeToString(priv.Serialize()), *password, *out); err != nil {
		return err
	}
	info, err := describe(priv, false)
	if err != nil {
		return err
	}
	info.KeyFile = *out
	return writeJSON(stdout, info)
}

func encryptKey(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	key := fs.String("key", os.Getenv(config.EnvPrefix+"ORACLE_SECRET_KEY"), "secret key as hex or nsec")
	password := fs.String("password", os.Getenv(config.EnvPrefix+"ORACLE_KEY_PASSWORD"), "encryption password")
	out := fs.String("out", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *out == "" {
		return errors.New("encrypt-key: -key and -out are required")
	}

	if err := seal(*key, *password, *out); err != nil {
		return err
	}
	priv, err := crypto.ParseSecretKey(*key)
	if err != nil {
		return err
	}
	info, err := describe(priv, false)
	if err != nil {
		return err
	}
	info.KeyFile = *out
	return writeJSON(stdout, info)
}

func seal(secretKey, password, path string) error {
	blob, err := crypto.EncryptKey(secretKey, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// keyFlags registers the flags shared by the commands that sign.
type keyFlags struct {
	configPath *string
	key        *string
}

func addKeyFlags(fs *flag.FlagSet) keyFlags {
	return keyFlags{
		configPath: fs.String("config", "config.toml", "path to configuration file"),
		key:        fs.String("key", "", "secret key as hex or nsec; overrides the config"),
	}
}

func (k keyFlags) load() (*config.Config, *btcec.PrivateKey, error) {
	cfg, err := config.Load(*k.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	src := crypto.KeySource{
		SecretKey:        cfg.Oracle.SecretKey,
		EncryptedKeyPath: cfg.Oracle.EncryptedKeyPath,
		Password:         cfg.Oracle.KeyPassword,
	}
	if *k.key != "" {
		src = crypto.KeySource{SecretKey: *k.key}
	}
	priv, err := crypto.LoadKey(src)
	if err != nil {
		return nil, nil, err
	}
	return cfg, priv, nil
}

func pubkey(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pubkey", flag.ContinueOnError)
	kf := addKeyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, priv, err := kf.load()
	if err != nil {
		return err
	}
	info, err := describe(priv, false)
	if err != nil {
		return err
	}
	return writeJSON(stdout, info)
}

type attestOutput struct {
	MarketID  string      `json:"market_id"`
	Outcome   string      `json:"outcome"`
	Message   string      `json:"message"`
	ScriptSig string      `json:"script_sig"`
	Event     nostr.Event `json:"event"`
	Published []string    `json:"published,omitempty"`
}

func attest(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("attest", flag.ContinueOnError)
	kf := addKeyFlags(fs)
	marketID := fs.String("market", "", "market id")
	rawOutcome := fs.String("outcome", "", "winning outcome, A or B")
	settlementTime := fs.Int64("settlement-time", 0, "market settlement time (unix seconds)")
	publish := fs.Bool("publish", false, "publish the event to the configured relays")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*marketID) != market.IDLength || *settlementTime <= 0 {
		return fmt.Errorf("attest: -market (%d hex chars) and -settlement-time are required", market.IDLength)
	}
	o, err := market.ParseOutcome(*rawOutcome)
	if err != nil {
		return err
	}

	cfg, priv, err := kf.load()
	if err != nil {
		return err
	}
	signer := oracle.NewSigner(priv, cfg.Oracle.Kind)
	evt, err := signer.Attest(*marketID, o, *settlementTime, time.Now())
	if err != nil {
		return err
	}

	out := attestOutput{
		MarketID:  *marketID,
		Outcome:   string(o),
		Message:   evt.Content,
		ScriptSig: market.NewAttestation(evt).Tag(market.TagScriptSig),
		Event:     evt,
	}
	if *publish {
		if len(cfg.Oracle.Relays) == 0 {
			return errors.New("attest: no relays configured")
		}
		for _, url := range cfg.Oracle.Relays {
			if err := publishTo(ctx, url, evt, logger); err != nil {
				logger.Warn("oraclectl: publish failed", slog.String("relay", url), slog.String("error", err.Error()))
				continue
			}
			out.Published = append(out.Published, url)
		}
		if len(out.Published) == 0 {
			return errors.New("attest: no relay accepted the event")
		}
	}
	return writeJSON(stdout, out)
}

func publishTo(ctx context.Context, url string, evt nostr.Event, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c := relay.NewClient(url, logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	return c.Publish(ctx, evt)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
