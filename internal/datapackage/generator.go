package datapackage

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	logging "github.com/ipfs/go-log/v2"
	"github.com/tidwall/gjson"

	"sensororacle/internal/apperr"
	"sensororacle/internal/fetcher"
)

var log = logging.Logger("datapackage")

const generatePath = "/generate-package"

// Fetcher is the subset of *fetcher.Fetcher the generator needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (*fetcher.Response, error)
}

// Generator requests packages from the generation service.
type Generator struct {
	baseURL        string
	verifyChecksum bool
}

func NewGenerator(baseURL string, verifyChecksum bool) *Generator {
	return &Generator{
		baseURL:        strings.TrimRight(baseURL, "/"),
		verifyChecksum: verifyChecksum,
	}
}

func (g *Generator) Endpoint() string { return g.baseURL + generatePath }

// Generate posts params to the generation service through f and decodes the
// returned package.
func (g *Generator) Generate(ctx context.Context, f Fetcher, requestID string, params RequestParams) (*Package, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, err, "encode request params")
	}

	resp, err := f.Fetch(ctx, fetcher.Request{
		Method: http.MethodPost,
		URL:    g.Endpoint(),
		Headers: http.Header{
			"Content-Type": []string{"application/json"},
			"X-Request-Id": []string{requestID},
		},
		Body: body,
	})
	if err != nil {
		return nil, err
	}

	if g.verifyChecksum {
		if err := VerifyChecksum(resp.Header.Get(fetcher.IntegrityHeader), resp.Body); err != nil {
			return nil, err
		}
	}

	if !gjson.ValidBytes(resp.Body) {
		return nil, apperr.New(apperr.CodeInvalidResponse, "package body is not valid json")
	}
	if gjson.GetBytes(resp.Body, "metadata.packageId").String() == "" {
		return nil, apperr.New(apperr.CodeInvalidResponse, "package has no metadata.packageId")
	}

	var pkg Package
	if err := json.Unmarshal(resp.Body, &pkg); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidResponse, err, "decode package")
	}
	log.Debugw("package received", "requestId", requestID, "packageId", pkg.ID(), "bytes", len(resp.Body))
	return &pkg, nil
}

// Checksum is the keccak256 hex digest the generation service signs bodies with.
func Checksum(body []byte) string {
	return crypto.Keccak256Hash(body).Hex()
}

// VerifyChecksum compares header against the keccak256 digest of body.
func VerifyChecksum(header string, body []byte) error {
	if header == "" {
		return apperr.New(apperr.CodeSecurityViolation, "missing %s header", fetcher.IntegrityHeader)
	}
	want := Checksum(body)
	got := strings.ToLower(strings.TrimSpace(header))
	if !strings.HasPrefix(got, "0x") {
		got = "0x" + got
	}
	if got != strings.ToLower(want) {
		return apperr.New(apperr.CodeSecurityViolation, "checksum mismatch")
	}
	return nil
}
