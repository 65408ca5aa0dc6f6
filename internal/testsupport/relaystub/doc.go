// Package relaystub hosts a deterministic fake of the relay control API and
// the CDN live control plane so provisioning tests can assert every call
// without real servers.
package relaystub
