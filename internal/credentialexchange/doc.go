// credentialexchange
//
// Handles exchanging an OIDC identity token for temporary S3-compatible
// credentials via an AssumeRoleWithWebIdentity federation endpoint.
//
// The exchange response is the STS XML document, parsed with a
// qualified-first element lookup so gateways emitting either
// namespace-qualified or bare elements are accepted.
package credentialexchange
