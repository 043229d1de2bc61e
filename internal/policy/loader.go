package policy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/payloghq/ratelimitd/internal/cryptoutil"
	"github.com/payloghq/ratelimitd/internal/log"
	"github.com/payloghq/ratelimitd/internal/xerrors"
)

// maxPolicyBytes caps how much of a policy object we will read. Real
// documents are a few hundred bytes, anything near this size is garbage.
const maxPolicyBytes = 1 << 20

// maxSignatureBytes caps the detached signature object
const maxSignatureBytes = 64 << 10

// s3Getter is the subset of the S3 API the loader needs.
// Extracted as an interface so tests can inject fakes.
type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ssmGetter is the subset of the SSM API the loader needs.
type ssmGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// signatureVerifier checks a detached signature over a raw document.
// Satisfied by cryptoutil.KMSVerifier.
type signatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the SHA256 hash of the current policy object
	SSMParam string

	// S3 location for policy documents: s3://{bucket}/{prefix}/{hash}.json
	S3Bucket string
	S3Prefix string

	// KMS signing key whose detached signature object {hash}.json.sig must
	// verify. Empty disables signature verification.
	KMSKeyID string

	// Injectable clients for tests. Nil fields are built from AWSConfig.
	S3Client  s3Getter
	SSMClient ssmGetter
	Verifier  signatureVerifier

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type Loader struct {
	opts      LoaderOptions
	ssmClient ssmGetter
	s3Client  s3Getter
	verifier  signatureVerifier
	logger    log.Logger
}

// NewLoader creates a policy Loader with the given options
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	l := &Loader{
		opts:      opts,
		ssmClient: opts.SSMClient,
		s3Client:  opts.S3Client,
		verifier:  opts.Verifier,
		logger:    opts.Logger,
	}

	// build real AWS clients for whatever was not injected
	if l.ssmClient == nil || l.s3Client == nil || (l.verifier == nil && opts.KMSKeyID != "") {
		var awsCfg aws.Config
		var err error
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if l.ssmClient == nil {
			l.ssmClient = ssm.NewFromConfig(awsCfg)
		}
		if l.s3Client == nil {
			l.s3Client = s3.NewFromConfig(awsCfg)
		}
		if l.verifier == nil && opts.KMSKeyID != "" {
			l.verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), opts.KMSKeyID)
		}
	}

	if l.verifier == nil {
		l.logger.Warn(ctx, "policy signature verification disabled, no KMS key configured")
	}

	return l, nil
}

// FetchCurrentHash gets the current policy document hash from SSM
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.TrimSpace(*out.Parameter.Value)
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}

	return hash, nil
}

// s3Key returns the S3 object key for a given hash
func (l *Loader) s3Key(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.json", l.opts.S3Prefix, hash)
	}
	return fmt.Sprintf("%s.json", hash)
}

// fetchObject downloads one S3 object, capped at limit bytes
func (l *Loader) fetchObject(ctx context.Context, key string, limit int64) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > limit {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, limit)
	}
	return data, nil
}

// LoadHash fetches a specific policy document by hash, verifies it, and
// returns a Snapshot ready for the Manager.
//
// Verification is two-step: the document bytes must hash to the value SSM
// advertised, and when a verifier is configured the detached signature
// object {key}.sig (base64 of the raw KMS signature) must verify over the
// document bytes.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	loadedAt := time.Now().UTC()
	key := l.s3Key(hash)

	l.logger.Info(ctx, "downloading policy document",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)

	data, err := l.fetchObject(ctx, key, maxPolicyBytes)
	if err != nil {
		return nil, err
	}

	// our policy is to always use cryptoutil.HashEqual for comparing hashes,
	// even where timing attacks are not a concern
	actualHash := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actualHash, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actualHash)
	}

	if l.verifier != nil {
		sigRaw, err := l.fetchObject(ctx, key+".sig", maxSignatureBytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch policy signature")
		}
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(sigRaw)))
		if err != nil {
			return nil, xerrors.Wrap(err, "decode policy signature")
		}
		if err := l.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrap(err, "verify policy signature")
		}
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "loaded policy document",
		"version", doc.Version,
		"limiters", len(doc.Limiters),
		"hash", actualHash,
		"signed", l.verifier != nil,
	)

	return &Snapshot{
		Doc:      doc,
		Hash:     hash,
		Source:   SourceS3,
		LoadedAt: loadedAt,
	}, nil
}

// Load fetches the current policy and returns a Snapshot
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadIntoManager fetches the current policy and updates the manager
func (l *Loader) LoadIntoManager(ctx context.Context, mgr *Manager) error {
	snap, err := l.Load(ctx)
	if err != nil {
		return err
	}
	mgr.Set(*snap)
	return nil
}
