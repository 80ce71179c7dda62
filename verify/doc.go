// Package verify decides whether a UI action changed on-screen state.
//
// A Verifier polls a Source — the host runtime's view of the screen —
// against a baseline captured just before the action. Three kinds of
// evidence feed the verdict: a foreground-identity switch (trusted
// immediately), a structural view-tree hash change, and an aggregate
// visual hash change over embedded web-content surfaces (both trusted
// only after a settle delay, to suppress render flicker). The first
// observed evidence ends the poll early; an empty evidence set at the
// timeout yields an unchanged verdict.
package verify
