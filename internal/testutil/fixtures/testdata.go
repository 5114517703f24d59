// Package fixtures provides shared test constants for the gateway test
// suites, so that origins, client identifiers and token values are spelled
// the same way everywhere.
package fixtures

// Gateway identity as registered with origins.
const (
	// ClientID is the gateway's client identifier (a metadata URL).
	ClientID = "https://gateway.nest.test/client-metadata.json"

	// KeyID is the kid of the default test signing key.
	KeyID = "nest-key-1"

	// AltKeyID is a second kid for key rotation tests.
	AltKeyID = "nest-key-2"
)

// Origin and credential values.
const (
	// Origin is a destination origin used when no live server is needed.
	Origin = "https://pds.nest.test"

	// Issuer is the authorization server that issued the test tokens.
	Issuer = "https://auth.nest.test"

	// SessionRef is a well-formed session reference.
	SessionRef = "dGVzdC1zZXNzaW9uLXJlZmVyZW5jZS0wMDE"

	// AltSessionRef is a second session reference for isolation tests.
	AltSessionRef = "dGVzdC1zZXNzaW9uLXJlZmVyZW5jZS0wMDI"

	// AccessToken and RefreshToken are the initial token pair.
	AccessToken  = "at-initial-0001"
	RefreshToken = "rt-initial-0001"

	// RotatedAccessToken and RotatedRefreshToken are what a fake token
	// endpoint returns on refresh.
	RotatedAccessToken  = "at-rotated-0002"
	RotatedRefreshToken = "rt-rotated-0002"

	// Subject is the account identifier bound to the session.
	Subject = "did:plc:nesttestaccount"

	// GatewayDID and ServiceDID are the issuer and audience of service-auth
	// tokens.
	GatewayDID = "did:web:gateway.nest.test"
	ServiceDID = "did:web:mls.nest.test"

	// ServiceMethod is an XRPC method routed to the direct service.
	ServiceMethod = "blue.catbird.mls.getConvos"
)
