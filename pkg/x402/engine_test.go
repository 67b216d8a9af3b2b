package x402

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

const testTenant = "tn_acme"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, store.Store, *crypto.Ed25519Signer) {
	t.Helper()
	st := store.NewMemory()
	tokens, err := NewTokenIssuer("decisions-1", 15*time.Minute)
	require.NoError(t, err)
	signer, err := crypto.NewEd25519Signer("settle-signer")
	require.NoError(t, err)
	engine := NewEngine(st, tokens, signer).WithClock(func() time.Time { return fixedNow })
	return engine, st, signer
}

func putWalletPolicy(t *testing.T, st store.Store, policy contracts.X402WalletPolicy) {
	t.Helper()
	policy.TenantID = testTenant
	if policy.Status == "" {
		policy.Status = contracts.WalletPolicyActive
	}
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.X402WalletPolicyPutOp{Policy: policy},
	}}))
}

func createGate(t *testing.T, e *Engine, req CreateRequest) contracts.X402Gate {
	t.Helper()
	if req.PayerAgentID == "" {
		req.PayerAgentID = "agent:payer"
	}
	if req.PayeeAgentID == "" {
		req.PayeeAgentID = "agent:payee"
	}
	if req.AmountCents == 0 {
		req.AmountCents = 500
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	gate, err := e.Create(context.Background(), testTenant, req)
	require.NoError(t, err)
	return gate
}

func TestEngine_HappyPathToSettled(t *testing.T) {
	e, st, signer := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.CommitTx(ctx, store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.SettlementPutOp{Settlement: contracts.AgentRunSettlement{
			SettlementID: "stl_1", TenantID: testTenant, RunID: "run_1",
			Status: contracts.SettlementLocked, AmountCents: 500, Revision: 1,
		}},
	}}))

	gate := createGate(t, e, CreateRequest{RunID: "run_1", Protocol: "x402"})
	assert.Equal(t, contracts.GateCreated, gate.State)
	assert.Equal(t, int64(1), gate.Revision)

	gate, err := e.Quote(ctx, testTenant, gate.GateID)
	require.NoError(t, err)
	require.NotNil(t, gate.Quote)
	assert.Equal(t, contracts.GateQuoted, gate.State)
	assert.Equal(t, gate.AmountCents, gate.Quote.AmountCents)
	assert.Equal(t, ts(fixedNow.Add(DefaultQuoteTTL)), gate.Quote.ExpiresAt)

	putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1", RequireQuote: true})
	res, err := e.Authorize(ctx, testTenant, AuthorizeRequest{
		SponsorWalletRef: "wallet_1",
		GateID:           gate.GateID,
		QuoteID:          gate.Quote.QuoteID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.DecisionToken)
	require.NotEmpty(t, res.AuthorizationID)

	day, err := st.GetDailyAuthorization(ctx, testTenant, "wallet_1", fixedNow.Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), day.AuthorizedCents)

	gate, err = e.AuthorizePayment(ctx, testTenant, gate.GateID, res.DecisionToken)
	require.NoError(t, err)
	assert.Equal(t, contracts.GateAuthorized, gate.State)
	require.NotNil(t, gate.Authorization)
	assert.Equal(t, res.AuthorizationID, gate.Authorization.AuthorizationID)

	gate, decision, err := e.Verify(ctx, testTenant, VerifyRequest{GateID: gate.GateID, Settle: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.GateSettled, gate.State)
	assert.Equal(t, "allow", decision.Decision)
	assert.Contains(t, decision.ReasonCodes, CodePolicyAllow)
	assert.True(t, decision.Journal.RevenueRecognized)

	// The decision signature is a purpose-bound envelope over the decision
	// hash with the signature fields excluded.
	unsigned := decision
	unsigned.PayloadHash = ""
	unsigned.Signature = ""
	unsigned.SignerKeyID = ""
	wantHash, err := canonical.CanonicalHash(unsigned)
	require.NoError(t, err)
	assert.Equal(t, wantHash, decision.PayloadHash)
	hashBytes, err := hex.DecodeString(decision.PayloadHash)
	require.NoError(t, err)
	require.NoError(t, crypto.Verify(signer.PublicKeyHex(), decision.Signature, hashBytes,
		crypto.PurposeSettlementDecisionReport, map[string]interface{}{"gateId": gate.GateID}))

	settlement, err := st.GetSettlementByRun(ctx, testTenant, "run_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementReleased, settlement.Status)
}

func TestEngine_CreateRejectsFrozenPayer(t *testing.T) {
	e, st, _ := newTestEngine(t)
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.X402LifecyclePutOp{Lifecycle: contracts.X402AgentLifecycle{
			AgentID: "agent:frozen", TenantID: testTenant,
			Status: contracts.LifecycleFrozen, ReasonCode: contracts.ReasonFundsExhausted, Revision: 1,
		}},
	}}))

	_, err := e.Create(context.Background(), testTenant, CreateRequest{
		PayerAgentID: "agent:frozen", PayeeAgentID: "agent:payee",
		AmountCents: 100, Currency: "USD",
	})
	var fe *FrozenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, contracts.ReasonFundsExhausted, fe.ReasonCode)
}

func TestEngine_CreateValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, testTenant, CreateRequest{PayeeAgentID: "b", AmountCents: 1, Currency: "USD"})
	require.Error(t, err)
	_, err = e.Create(ctx, testTenant, CreateRequest{PayerAgentID: "a", PayeeAgentID: "b", AmountCents: -5, Currency: "USD"})
	require.Error(t, err)
	_, err = e.Create(ctx, testTenant, CreateRequest{PayerAgentID: "a", PayeeAgentID: "b", AmountCents: 1})
	require.Error(t, err)
}

func TestEngine_QuoteRequiresCreatedState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	gate := createGate(t, e, CreateRequest{})
	_, err := e.Quote(ctx, testTenant, gate.GateID)
	require.NoError(t, err)

	_, err = e.Quote(ctx, testTenant, gate.GateID)
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "quote", se.Op)
}

func TestEngine_AuthorizeEscalatesOnViolations(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{
		SponsorWalletRef:  "wallet_1",
		MaxAmountCents:    100,
		AllowedCurrencies: []string{"EUR"},
	})
	gate := createGate(t, e, CreateRequest{AmountCents: 500, Currency: "USD"})

	_, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gate.GateID})
	var ere *EscalationRequiredError
	require.ErrorAs(t, err, &ere)
	assert.Equal(t, []string{CodeAmountExceeded, CodeCurrencyNotAllowed}, ere.ReasonCodes)

	esc, err := e.GetEscalation(ctx, testTenant, ere.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationPending, esc.Status)
	assert.Equal(t, gate.GateID, esc.GateID)
	assert.Equal(t, int64(500), esc.AmountCents)
}

func TestEngine_AuthorizeQuoteExpiryComparesInstants(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	// Quote so the expiry lands on a fractional second. RFC3339Nano trims
	// trailing zeros, so "...:00.5Z" sorts lexically before "...:00Z"
	// even though it is half a second later.
	quotedAt := fixedNow.Add(-DefaultQuoteTTL).Add(500 * time.Millisecond)
	e.WithClock(func() time.Time { return quotedAt })
	gate := createGate(t, e, CreateRequest{})
	gate, err := e.Quote(ctx, testTenant, gate.GateID)
	require.NoError(t, err)
	require.Equal(t, ts(fixedNow.Add(500*time.Millisecond)), gate.Quote.ExpiresAt)

	putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1", RequireQuote: true})

	// Half a second before expiry the quote is still good.
	e.WithClock(func() time.Time { return fixedNow })
	_, err = e.Authorize(ctx, testTenant, AuthorizeRequest{
		SponsorWalletRef: "wallet_1", GateID: gate.GateID, QuoteID: gate.Quote.QuoteID,
	})
	require.NoError(t, err)

	// Past the expiry instant it is rejected.
	e.WithClock(func() time.Time { return fixedNow.Add(time.Second) })
	_, err = e.Authorize(ctx, testTenant, AuthorizeRequest{
		SponsorWalletRef: "wallet_1", GateID: gate.GateID, QuoteID: gate.Quote.QuoteID,
	})
	var ere *EscalationRequiredError
	require.ErrorAs(t, err, &ere)
	assert.Contains(t, ere.ReasonCodes, CodeQuoteExpired)
}

func TestEngine_AuthorizeDailyCap(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{
		SponsorWalletRef:           "wallet_1",
		MaxDailyAuthorizationCents: 1000,
	})
	require.NoError(t, st.CommitTx(ctx, store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.DailyAuthorizationAddOp{SponsorWalletRef: "wallet_1", Day: fixedNow.Format("2006-01-02"), DeltaCents: 700},
	}}))

	gate := createGate(t, e, CreateRequest{AmountCents: 400})
	_, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gate.GateID})
	var ere *EscalationRequiredError
	require.ErrorAs(t, err, &ere)
	assert.Equal(t, []string{CodeDailyCapExceeded}, ere.ReasonCodes)

	// Under the remaining headroom the authorization goes through.
	small := createGate(t, e, CreateRequest{AmountCents: 300})
	_, err = e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: small.GateID})
	require.NoError(t, err)
}

func TestEngine_AuthorizeAgentKeyMatch(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{
		SponsorWalletRef:     "wallet_1",
		RequireAgentKeyMatch: true,
	})
	gate := createGate(t, e, CreateRequest{
		AgentPassport: &contracts.AgentPassport{PassportID: "pp_1", AgentKeyID: "agent-key-9"},
	})

	_, err := e.Authorize(ctx, testTenant, AuthorizeRequest{
		SponsorWalletRef: "wallet_1", GateID: gate.GateID, AgentKeyID: "agent-key-other",
	})
	var ere *EscalationRequiredError
	require.ErrorAs(t, err, &ere)
	assert.Equal(t, []string{CodeAgentKeyMismatch}, ere.ReasonCodes)

	_, err = e.Authorize(ctx, testTenant, AuthorizeRequest{
		SponsorWalletRef: "wallet_1", GateID: gate.GateID, AgentKeyID: "agent-key-9",
	})
	require.NoError(t, err)
}

func TestEngine_AuthorizePaymentIdempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1"})
	gate := createGate(t, e, CreateRequest{})
	res, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gate.GateID})
	require.NoError(t, err)

	first, err := e.AuthorizePayment(ctx, testTenant, gate.GateID, res.DecisionToken)
	require.NoError(t, err)
	again, err := e.AuthorizePayment(ctx, testTenant, gate.GateID, res.DecisionToken)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, again.Revision)
	assert.Equal(t, first.Authorization.AuthorizationID, again.Authorization.AuthorizationID)
}

func TestEngine_AuthorizePaymentRejectsForeignToken(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1"})
	gateA := createGate(t, e, CreateRequest{})
	gateB := createGate(t, e, CreateRequest{})

	res, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gateA.GateID})
	require.NoError(t, err)

	_, err = e.AuthorizePayment(ctx, testTenant, gateB.GateID, res.DecisionToken)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestEngine_VerifyRequiresAuthorized(t *testing.T) {
	e, _, _ := newTestEngine(t)
	gate := createGate(t, e, CreateRequest{})

	_, _, err := e.Verify(context.Background(), testTenant, VerifyRequest{GateID: gate.GateID})
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "verify", se.Op)
}

func TestEngine_VerifyWithoutSettleLeavesGateVerified(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1"})
	gate := createGate(t, e, CreateRequest{})
	res, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gate.GateID})
	require.NoError(t, err)
	_, err = e.AuthorizePayment(ctx, testTenant, gate.GateID, res.DecisionToken)
	require.NoError(t, err)

	gate, decision, err := e.Verify(ctx, testTenant, VerifyRequest{GateID: gate.GateID})
	require.NoError(t, err)
	assert.Equal(t, contracts.GateVerified, gate.State)
	assert.Equal(t, "allow", decision.Decision)
	assert.Contains(t, decision.ReasonCodes, CodeVerifiedNoSettlement)
	assert.False(t, decision.Journal.RevenueRecognized)
}

func TestEngine_VerifyStrictProofFailClosesFinancially(t *testing.T) {
	for _, proofPolicy := range []string{"strict", "holdback"} {
		t.Run(proofPolicy, func(t *testing.T) {
			e, st, _ := newTestEngine(t)
			ctx := context.Background()

			require.NoError(t, st.CommitTx(ctx, store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
				store.SettlementPutOp{Settlement: contracts.AgentRunSettlement{
					SettlementID: "stl_1", TenantID: testTenant, RunID: "run_1",
					Status: contracts.SettlementLocked, AmountCents: 500, Revision: 1,
				}},
			}}))
			putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1"})

			gate := createGate(t, e, CreateRequest{RunID: "run_1"})
			res, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gate.GateID})
			require.NoError(t, err)
			_, err = e.AuthorizePayment(ctx, testTenant, gate.GateID, res.DecisionToken)
			require.NoError(t, err)

			gate, decision, err := e.Verify(ctx, testTenant, VerifyRequest{
				GateID:      gate.GateID,
				ReasonCodes: []string{"proof_artifact_hash_mismatch"},
				ProofPolicy: proofPolicy,
				ProofStatus: "FAIL",
				Settle:      true, // ignored: a failed proof never settles
			})
			require.NoError(t, err)

			assert.Equal(t, contracts.GateVerified, gate.State)
			assert.Equal(t, "deny", decision.Decision)
			require.NotEmpty(t, decision.ReasonCodes)
			assert.Equal(t, CodeProofFailClosed, decision.ReasonCodes[0])
			assert.Contains(t, decision.ReasonCodes, "PROOF_ARTIFACT_HASH_MISMATCH")
			assert.Equal(t, DecisionJournal{EscrowReturned: true, CoverageReturned: true}, decision.Journal)

			settlement, err := st.GetSettlementByRun(ctx, testTenant, "run_1")
			require.NoError(t, err)
			assert.Equal(t, contracts.SettlementRefunded, settlement.Status)
		})
	}
}

func TestEngine_VerifyPassProofSettles(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	putWalletPolicy(t, st, contracts.X402WalletPolicy{SponsorWalletRef: "wallet_1"})
	gate := createGate(t, e, CreateRequest{})
	res, err := e.Authorize(ctx, testTenant, AuthorizeRequest{SponsorWalletRef: "wallet_1", GateID: gate.GateID})
	require.NoError(t, err)
	_, err = e.AuthorizePayment(ctx, testTenant, gate.GateID, res.DecisionToken)
	require.NoError(t, err)

	gate, decision, err := e.Verify(ctx, testTenant, VerifyRequest{
		GateID: gate.GateID, ProofPolicy: "strict", ProofStatus: "PASS", Settle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.GateSettled, gate.State)
	assert.Equal(t, "allow", decision.Decision)
}
