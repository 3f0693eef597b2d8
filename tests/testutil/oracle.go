package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
)

// FakeOracle is an in-memory oracle. Its signatures are "sig:" followed by
// the signed data, and Verify accepts exactly those with Confidence.
type FakeOracle struct {
	mu sync.Mutex

	// Confidence is reported for signatures Verify accepts.
	Confidence oracle.Confidence

	SignErr   error
	VerifyErr error
	ListErr   error

	// AddErr and DeleteErr fail individual AddKey / DeleteKey calls.
	AddErr    map[string]error
	DeleteErr map[e3.KeyID]error

	// DecryptFunc handles Decrypt; nil strips the E3 flag and marker.
	DecryptFunc func(ctx context.Context, msg *model.Message, hint string) (*model.Message, error)

	Keys       map[e3.KeyID]oracle.KeyInfo
	Added      [][]byte
	Deleted    []e3.KeyID
	SignCalls  int
	Decrypted  []string
	KeyResults map[e3.KeyID]*oracle.KeyResult
}

var _ oracle.Oracle = (*FakeOracle)(nil)

// NewFakeOracle creates a FakeOracle reporting confirmed signatures.
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{
		Confidence: oracle.ConfidenceConfirmed,
		Keys:       make(map[e3.KeyID]oracle.KeyInfo),
		KeyResults: make(map[e3.KeyID]*oracle.KeyResult),
	}
}

// FakeSignature returns the signature FakeOracle produces for data.
func FakeSignature(data string) []byte {
	return []byte("sig:" + data)
}

func (f *FakeOracle) Sign(_ context.Context, _ e3.KeyID, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignCalls++
	if f.SignErr != nil {
		return nil, f.SignErr
	}
	return FakeSignature(string(data)), nil
}

func (f *FakeOracle) Verify(_ context.Context, data, signature []byte) (oracle.Confidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VerifyErr != nil {
		return oracle.ConfidenceInvalid, f.VerifyErr
	}
	if string(signature) != string(FakeSignature(string(data))) {
		return oracle.ConfidenceInvalid, nil
	}
	return f.Confidence, nil
}

func (f *FakeOracle) Decrypt(ctx context.Context, msg *model.Message, hint string) (*model.Message, error) {
	f.mu.Lock()
	f.Decrypted = append(f.Decrypted, msg.UID)
	fn := f.DecryptFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg, hint)
	}
	out := &model.Message{
		AccountID: msg.AccountID,
		Folder:    msg.Folder,
		Raw:       []byte("Subject: decrypted " + msg.UID + "\r\n\r\nplain"),
		Flags:     slices.Clone(msg.Flags),
	}
	out.SetFlag(model.FlagE3, false)
	return out, nil
}

func (f *FakeOracle) GetKey(_ context.Context, keyID e3.KeyID, _, fingerprint bool) (*oracle.KeyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.KeyResults[keyID]
	if !ok {
		return nil, &oracle.OpError{Op: "get_key", Status: oracle.StatusKeyNotFound,
			Err: fmt.Errorf("no key %s", keyID)}
	}
	out := *res
	if !fingerprint {
		out.Fingerprint = nil
	}
	return &out, nil
}

func (f *FakeOracle) AddKey(_ context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.AddErr[string(blob)]; err != nil {
		return err
	}
	f.Added = append(f.Added, blob)
	return nil
}

func (f *FakeOracle) DeleteKey(_ context.Context, keyID e3.KeyID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteErr[keyID]; err != nil {
		return err
	}
	f.Deleted = append(f.Deleted, keyID)
	delete(f.Keys, keyID)
	return nil
}

func (f *FakeOracle) ListKnownKeys(context.Context) ([]oracle.KeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	infos := make([]oracle.KeyInfo, 0, len(f.Keys))
	for _, info := range f.Keys {
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b oracle.KeyInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return infos, nil
}
