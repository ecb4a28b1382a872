package txassembly

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
)

const (
	testSource = "GDUKMGUGDZQK6YHYA5Z6AY2G4XDSZPSZ3SW5UN3ARVMO6QSRDWP5YLEX"
	testDest   = "GBVFTZL5HIPT4PFQVTZVIWR77V7LWYCXU4CLYWWHHOEXB64XPG5LDMTU"
)

func paymentOp(amount string) Payment {
	return Payment{
		Destination: testDest,
		Asset:       types.NativeAsset(),
		Amount:      decimal.RequireFromString(amount),
	}
}

func TestBuilderConsumesNextSequence(t *testing.T) {
	env, err := NewBuilder(testSource, 100).
		BaseFee(200).
		Add(paymentOp("1")).
		Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if env.Sequence != 101 {
		t.Fatalf("sequence got=%d want=101", env.Sequence)
	}
}

func TestBuilderRejectsEmpty(t *testing.T) {
	_, err := NewBuilder(testSource, 100).BaseFee(200).Build()
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuilderRejectsLongMemo(t *testing.T) {
	_, err := NewBuilder(testSource, 100).
		Memo(strings.Repeat("x", MaxMemoBytes+1)).
		Add(paymentOp("1")).
		Build()
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// Exactly at the limit is fine.
	if _, err := NewBuilder(testSource, 100).
		Memo(strings.Repeat("x", MaxMemoBytes)).
		Add(paymentOp("1")).
		Build(); err != nil {
		t.Fatalf("memo at limit rejected: %v", err)
	}
}

func TestTotalFeeScalesWithOps(t *testing.T) {
	env, err := NewBuilder(testSource, 5).
		BaseFee(250).
		Add(paymentOp("1"), paymentOp("2"), paymentOp("3")).
		Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if got := env.TotalFee(); got != 750 {
		t.Fatalf("total fee got=%d want=750", got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	build := func() *Envelope {
		env, err := NewBuilder(testSource, 7).
			BaseFee(200).
			ValidFor(1_700_000_000).
			Memo("Buy USDC").
			Add(PathPaymentStrictReceive{
				Destination: testSource,
				SendAsset:   types.NativeAsset(),
				SendMax:     decimal.RequireFromString("4.41"),
				DestAsset:   types.NewAsset("USDC", testDest),
				DestAmount:  decimal.RequireFromString("10"),
			}).
			Build()
		if err != nil {
			t.Fatalf("Build error: %v", err)
		}
		return env
	}

	a, err := build().Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	b, err := build().Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if a != b {
		t.Fatalf("identical envelopes encoded differently:\n%s\n%s", a, b)
	}
}

func TestHashDependsOnPassphrase(t *testing.T) {
	env, err := NewBuilder(testSource, 7).
		BaseFee(200).
		Add(paymentOp("1")).
		Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	pub, err := env.Hash("Public Global Stellar Network ; September 2015")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	test, err := env.Hash("Test SDF Network ; September 2015")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if pub == test {
		t.Fatalf("hash did not change with passphrase")
	}
	if len(pub) != 64 {
		t.Fatalf("hash length got=%d want=64", len(pub))
	}

	// Same envelope, same network, same identity.
	again, err := env.Hash("Public Global Stellar Network ; September 2015")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if again != pub {
		t.Fatalf("hash not stable: %s vs %s", again, pub)
	}
}

func TestValidFor(t *testing.T) {
	env, err := NewBuilder(testSource, 1).
		ValidFor(1000).
		Add(paymentOp("1")).
		Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if env.MinTime != 1000 || env.MaxTime != 1000+ValidityWindowSeconds {
		t.Fatalf("window got=[%d,%d]", env.MinTime, env.MaxTime)
	}
}
