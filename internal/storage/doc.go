// Package storage groups the artifact mirror backends. Each backend exposes
// PutObject(ctx, key, contentType, r) and returns a URI for the stored copy.
package storage
