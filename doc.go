// Package authcore is the authentication, authorization, and MFA engine for
// the ProGRC compliance platform. It issues and verifies the platform's
// access, refresh, and pre-auth JWTs, resolves role-hierarchy and
// path-permission access decisions, runs the MFA device setup and challenge
// state machines, and evaluates organization-level MFA enforcement policies.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// value types, and error variables. Persistence is the caller's problem:
// user, device, setup-session, backup-code, policy, and refresh-token storage
// are integrated through the provider interfaces in types.go, exactly one
// implementation per deployment. Redis carries only the state that must be
// shared across replicas: verification rate-limit counters, ephemeral MFA
// challenges, and the permission-table cache.
//
// # What this package must NOT do
//
//   - Bind to an HTTP framework. Cookie helpers return values; routing and
//     middleware wiring belong to the embedding service.
//   - Send email. Outbound delivery goes through the [Mailer] interface;
//     notification sends are best-effort, OTP delivery is not.
//   - Implement WebAuthn cryptography. Assertion and attestation verification
//     is delegated to the injected [PasskeyVerifier].
//
// # Failure posture
//
// Authorization is fail-closed: an empty permission table, an unmatched path,
// or an unverifiable impersonation claim denies access unless an explicit
// operator override flag says otherwise. Notification and revocation side
// effects are best-effort and never fail the primary operation.
package authcore
