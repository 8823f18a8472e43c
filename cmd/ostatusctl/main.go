package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"

	"ostatus/internal/activity"
	"ostatus/internal/auth"
	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/feedsub"
	"ostatus/internal/magicenv"
	"ostatus/internal/magicsig"
)

const OstatusCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `ostatus control.

Keys are read and written in the magic public key form, RSA.<n>.<e>[.<d>].

Usage:
    ostatusctl keygen [--bits=<bits>]
    ostatusctl fingerprint <key>
    ostatusctl sign --key=<key_file> [--type=<data_type>] <payload_file>
    ostatusctl verify --key=<key> <envelope_file>
    ostatusctl hash-password <password>
    ostatusctl feeds [--config=<config_file>] [--db=<db_path>] [--overdue]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --bits=<bits>              RSA modulus size [default: 1024].
    --key=<key>                A key, or a file holding one.
    --type=<data_type>         Envelope data type [default: application/atom+xml].
    --config=<config_file>     YAML config to read the database path from.
    --db=<db_path>             Database file, overriding the config.
    --overdue                  Only list subscriptions whose lease ended over a day ago.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], OstatusCtlVersion)
	if err != nil {
		panic(err)
	}

	if keygen_, _ := opts.Bool("keygen"); keygen_ {
		keygen(opts)
	} else if fingerprint_, _ := opts.Bool("fingerprint"); fingerprint_ {
		fingerprint(opts)
	} else if sign_, _ := opts.Bool("sign"); sign_ {
		sign(opts)
	} else if verify_, _ := opts.Bool("verify"); verify_ {
		verify(opts)
	} else if hashPassword_, _ := opts.Bool("hash-password"); hashPassword_ {
		hashPassword(opts)
	} else if feeds_, _ := opts.Bool("feeds"); feeds_ {
		feeds(opts)
	}
}

// readKey accepts a key literal or the path of a file containing one.
func readKey(s string) (*magicsig.Key, error) {
	if !strings.HasPrefix(s, "RSA.") {
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(string(b))
	}
	return magicsig.Parse(s)
}

func keygen(opts docopt.Opts) {
	bitsStr, _ := opts.String("--bits")
	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		Err.Fatalf("Invalid --bits %q", bitsStr)
	}
	key, err := magicsig.Generate(bits)
	if err != nil {
		Err.Fatalf("Generate key: %v", err)
	}
	Out.Printf("%s", key)
	Err.Printf("public: %s", key.PublicString())
	Err.Printf("fingerprint: %s", key.Fingerprint())
}

func fingerprint(opts docopt.Opts) {
	keyStr, _ := opts.String("<key>")
	key, err := readKey(keyStr)
	if err != nil {
		Err.Fatalf("Read key: %v", err)
	}
	Out.Printf("%s", key.Fingerprint())
}

func sign(opts docopt.Opts) {
	keyFile, _ := opts.String("--key")
	dataType, _ := opts.String("--type")
	payloadFile, _ := opts.String("<payload_file>")

	key, err := readKey(keyFile)
	if err != nil {
		Err.Fatalf("Read key: %v", err)
	}
	if !key.HasPrivate() {
		Err.Fatalf("Key has no private exponent")
	}
	payload, err := os.ReadFile(payloadFile)
	if err != nil {
		Err.Fatalf("Read payload: %v", err)
	}
	if dataType == activity.AtomContentType {
		if _, err := activity.ParseEntry(payload); err != nil {
			Err.Fatalf("Payload is not an Atom entry: %v", err)
		}
	}
	env, err := magicenv.Sign(payload, dataType, key)
	if err != nil {
		Err.Fatalf("Sign: %v", err)
	}
	Out.Printf("%s", env.ToXML())
}

func verify(opts docopt.Opts) {
	keyStr, _ := opts.String("--key")
	envelopeFile, _ := opts.String("<envelope_file>")

	key, err := readKey(keyStr)
	if err != nil {
		Err.Fatalf("Read key: %v", err)
	}
	doc, err := os.ReadFile(envelopeFile)
	if err != nil {
		Err.Fatalf("Read envelope: %v", err)
	}
	env, err := magicenv.Parse(doc)
	if err != nil {
		Err.Fatalf("Parse envelope: %v", err)
	}
	ok, err := env.Verify(context.Background(), func(context.Context) (*magicsig.Key, error) {
		return key.Public(), nil
	})
	if err != nil {
		Err.Fatalf("Verify: %v", err)
	}
	if !ok {
		Out.Printf("BAD signature (alg %s, encoding %s)", env.Alg, env.Encoding)
		os.Exit(1)
	}
	Out.Printf("OK")
	if entry, err := env.Payload(); err == nil {
		Out.Printf("actor: %s", entry.ActorURI())
		Out.Printf("entry: %s", entry.ID)
	}
}

func hashPassword(opts docopt.Opts) {
	password, _ := opts.String("<password>")
	hash, err := auth.HashPassword(password)
	if err != nil {
		Err.Fatalf("Hash password: %v", err)
	}
	Out.Printf("%s", hash)
}

func feeds(opts docopt.Opts) {
	configFile, _ := opts.String("--config")
	cfg, err := config.Load(configFile)
	if err != nil {
		Err.Fatalf("Load config: %v", err)
	}
	if dbPath, _ := opts.String("--db"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	db, err := database.NewDB(cfg.DBPath, database.DefaultConfig())
	if err != nil {
		Err.Fatalf("Open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	var rows []database.FeedSub
	if overdue, _ := opts.Bool("--overdue"); overdue {
		manager := feedsub.NewManager(db, nil, nil, db, nil, cfg.Federation, Err, nil)
		subs, err := manager.RenewalCheck(ctx)
		if err != nil && !errors.Is(err, feedsub.ErrNoneFound) {
			Err.Fatalf("Renewal check: %v", err)
		}
		for _, s := range subs {
			rows = append(rows, s.FeedSub)
		}
	} else {
		for _, state := range []string{
			feedsub.StateActive,
			feedsub.StateSubscribe,
			feedsub.StateUnsubscribe,
			feedsub.StateNoHub,
			feedsub.StateInactive,
		} {
			byState, err := db.ListFeedSubsByState(ctx, state)
			if err != nil {
				Err.Fatalf("List feeds: %v", err)
			}
			rows = append(rows, byState...)
		}
	}

	for _, fs := range rows {
		leaseEnd := "-"
		if fs.SubEnd.Valid {
			leaseEnd = fs.SubEnd.Time.Format(time.RFC3339)
		}
		Out.Printf("%d\t%s\t%s\t%s\t%s", fs.ID, fs.State, leaseEnd, fs.HubURI, fs.URI)
	}
}
