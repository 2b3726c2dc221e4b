package chainlog

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kratos/kratos/v2/log"
)

// SecretSource identifies where the MAC key was derived from.
type SecretSource int

const (
	// SourceExplicit is a key supplied directly in Config.Key.
	SourceExplicit SecretSource = iota
	// SourceEnv is SHA-256 of the secret environment variable.
	SourceEnv
	// SourceFile is SHA-256 of an existing secret file.
	SourceFile
	// SourceGenerated is SHA-256 of fresh random bytes just persisted to the secret file.
	SourceGenerated
	// SourceEphemeral is a process-local random key; the chain cannot be
	// verified after the process exits.
	SourceEphemeral
)

func (s SecretSource) String() string {
	switch s {
	case SourceExplicit:
		return "explicit"
	case SourceEnv:
		return "env"
	case SourceFile:
		return "file"
	case SourceGenerated:
		return "generated"
	case SourceEphemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("SecretSource(%d)", int(s))
	}
}

// secretSeedSize is the number of random bytes written to a new secret file.
const secretSeedSize = 32

// Secret is a resolved MAC key.
type Secret struct {
	Key    [KeySize]byte
	Source SecretSource
}

// SecretOptions tunes ResolveSecret. Zero values select the defaults.
type SecretOptions struct {
	Key        *[KeySize]byte
	EnvVar     string
	FileName   string
	Logger     log.Logger
	LookupEnv  func(string) (string, bool)
	RandReader io.Reader
}

// ErrNoSecret is returned by LookupSecret when no key is configured.
var ErrNoSecret = errors.New("no audit secret")

var errSecretFileEmpty = errors.New("secret file is empty")

func (o *SecretOptions) setDefaults() {
	if o.EnvVar == "" {
		o.EnvVar = DefaultSecretEnv
	}
	if o.FileName == "" {
		o.FileName = DefaultSecretFile
	}
	if o.Logger == nil {
		o.Logger = log.DefaultLogger
	}
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.RandReader == nil {
		o.RandReader = rand.Reader
	}
}

// LookupSecret returns an existing key for dir: explicit key, environment
// variable or non-empty secret file. It never creates one, so it suits
// verifying logs written elsewhere.
func LookupSecret(dir string, opts SecretOptions) (Secret, error) {
	opts.setDefaults()
	return lookupSecret(dir, opts)
}

func lookupSecret(dir string, opts SecretOptions) (Secret, error) {
	if opts.Key != nil {
		return Secret{Key: *opts.Key, Source: SourceExplicit}, nil
	}
	if v, ok := opts.LookupEnv(opts.EnvVar); ok && v != "" {
		return Secret{Key: deriveKey([]byte(v)), Source: SourceEnv}, nil
	}

	path := filepath.Join(dir, opts.FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) > 0:
		return Secret{Key: deriveKey(data), Source: SourceFile}, nil
	case err == nil:
		return Secret{}, fmt.Errorf("%w: %w: %s", ErrNoSecret, errSecretFileEmpty, path)
	case os.IsNotExist(err):
		return Secret{}, fmt.Errorf("%w: %s unset and %s missing", ErrNoSecret, opts.EnvVar, path)
	default:
		return Secret{}, fmt.Errorf("read secret file: %w", err)
	}
}

// ResolveSecret derives the chain key for dir. Precedence: explicit key,
// environment variable, existing secret file, newly generated secret file,
// and finally an ephemeral in-memory key. It never fails.
func ResolveSecret(dir string, opts SecretOptions) Secret {
	opts.setDefaults()
	l := log.NewHelper(log.With(opts.Logger, "module", "chainlog/secret"))

	secret, err := lookupSecret(dir, opts)
	if err == nil {
		return secret
	}
	if !errors.Is(err, ErrNoSecret) {
		l.Warnw("msg", "secret file unreadable", "error", err)
	}
	path := filepath.Join(dir, opts.FileName)
	overwrite := errors.Is(err, errSecretFileEmpty)

	seed := make([]byte, secretSeedSize)
	if _, err := io.ReadFull(opts.RandReader, seed); err != nil {
		l.Errorw("msg", "secret generation failed", "error", err)
		return ephemeralSecret(l)
	}

	if err := persistSecret(path, seed, overwrite); err != nil {
		// Lost a creation race: adopt the winner's secret.
		if os.IsExist(err) {
			if data, rerr := os.ReadFile(path); rerr == nil && len(data) > 0 {
				return Secret{Key: deriveKey(data), Source: SourceFile}
			}
		}
		l.Warnw("msg", "secret file not writable, using ephemeral key; chain will not verify after restart",
			"path", path, "error", err)
		return Secret{Key: deriveKey(seed), Source: SourceEphemeral}
	}

	l.Infow("msg", "generated new audit secret", "path", path)
	return Secret{Key: deriveKey(seed), Source: SourceGenerated}
}

func persistSecret(path string, seed []byte, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create secret directory: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(seed); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write secret file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync secret file: %w", err)
	}
	return f.Close()
}

func ephemeralSecret(l *log.Helper) Secret {
	var seed [secretSeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		l.Errorw("msg", "crypto/rand unavailable", "error", err)
	}
	return Secret{Key: deriveKey(seed[:]), Source: SourceEphemeral}
}
