package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/returnloop/api/internal/platform/auth"
)

type recordingSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (s *recordingSigner) Email() string { return s.email }

func (s *recordingSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func newTestClient(t *testing.T, signer Signer, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(signer, opts...)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	return client
}

func TestSignedURLUploadSuccess(t *testing.T) {
	signer := &recordingSigner{email: "signer@returnloop.iam.gserviceaccount.com"}
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	client := newTestClient(t, signer, WithClock(func() time.Time { return now }))

	res, err := client.SignedURL(context.Background(), "evidence-bucket", "evidence/orders/ord_1/pickup/upl_1/photo.jpg", SignedURLOptions{
		Upload: &UploadOptions{
			Method:              "PUT",
			ContentType:         "image/jpeg",
			ContentMD5:          "xN0dYbCPv0CM0k9d1u8G7g==",
			RequireMD5:          true,
			AllowedContentTypes: []string{"image/*"},
			MaxSize:             1 << 20,
			ExpiresIn:           10 * time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("SignedURL returned error: %v", err)
	}

	if res.Method != httpMethodPut {
		t.Fatalf("expected method PUT, got %s", res.Method)
	}
	if !res.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}
	if res.Headers["Content-Type"] != "image/jpeg" {
		t.Fatalf("missing Content-Type header: %v", res.Headers)
	}
	if res.Headers["Content-MD5"] != "xN0dYbCPv0CM0k9d1u8G7g==" {
		t.Fatalf("missing Content-MD5 header: %v", res.Headers)
	}
	if res.Headers["x-goog-content-length-range"] != "0,1048576" {
		t.Fatalf("missing length range header: %v", res.Headers)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("failed to parse signed URL: %v", err)
	}
	if !strings.Contains(parsed.RawQuery, "X-Goog-Signature=") {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	if len(signer.payloads) == 0 {
		t.Fatal("expected signer to be invoked")
	}
}

func TestSignedURLUploadRejectsInvalidContentType(t *testing.T) {
	client := newTestClient(t, &recordingSigner{email: "signer@returnloop.iam.gserviceaccount.com"})

	_, err := client.SignedURL(context.Background(), "evidence-bucket", "photo.jpg", SignedURLOptions{
		Upload: &UploadOptions{
			Method:              "PUT",
			ContentType:         "application/pdf",
			AllowedContentTypes: []string{"image/jpeg", "image/png"},
		},
	})
	if !errors.Is(err, errContentTypeDenied) {
		t.Fatalf("expected errContentTypeDenied, got %v", err)
	}
}

func TestSignedURLUploadRequiresMD5(t *testing.T) {
	client := newTestClient(t, &recordingSigner{email: "signer@returnloop.iam.gserviceaccount.com"})

	_, err := client.SignedURL(context.Background(), "evidence-bucket", "photo.jpg", SignedURLOptions{
		Upload: &UploadOptions{
			Method:      "PUT",
			ContentType: "image/jpeg",
			RequireMD5:  true,
		},
	})
	if !errors.Is(err, errMD5Required) {
		t.Fatalf("expected errMD5Required, got %v", err)
	}
}

func TestSignedURLDownloadPermissionDenied(t *testing.T) {
	client := newTestClient(t, &recordingSigner{email: "signer@returnloop.iam.gserviceaccount.com"})

	_, err := client.SignedURL(context.Background(), "evidence-bucket", "photo.jpg", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:  "cus_1",
			Identity: &auth.Identity{UID: "cus_2", Roles: []string{auth.RoleCustomer}},
		},
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestSignedURLDownloadAllowsStaff(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	client := newTestClient(t, &recordingSigner{email: "signer@returnloop.iam.gserviceaccount.com"}, WithClock(func() time.Time { return now }))

	res, err := client.SignedURL(context.Background(), "evidence-bucket", "photo.jpg", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:   "cus_1",
			Identity:  &auth.Identity{UID: "ops_1", Roles: []string{auth.RoleStaff}},
			ExpiresIn: 5 * time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("expected staff download to succeed, got %v", err)
	}
	if res.Method != httpMethodGet {
		t.Fatalf("expected GET method, got %s", res.Method)
	}
	if !res.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", res.ExpiresAt)
	}
}

func TestSignedURLDownloadExpiryTooLong(t *testing.T) {
	client := newTestClient(t, &recordingSigner{email: "signer@returnloop.iam.gserviceaccount.com"})

	_, err := client.SignedURL(context.Background(), "evidence-bucket", "photo.jpg", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:   "cus_1",
			Identity:  &auth.Identity{UID: "cus_1", Roles: []string{auth.RoleCustomer}},
			ExpiresIn: 30 * time.Minute,
		},
	})
	if !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
}
