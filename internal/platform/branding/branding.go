// Package branding centralizes user-facing product naming.
package branding

// AppName is the display name used across server surfaces, including the
// WebAuthn relying party display name.
const AppName = "Passkeys.Space"
