// Package proxy is the public read surface. A stored path like
// "@2/one-piece/chapter-1/001.jpg" resolves to a storage group, streams
// from one of the group's serve daemons in 64 KiB chunks, and falls back
// to blocking downloads when no daemon answers. A daemon 404 is final;
// only transport errors trigger the fallback.
package proxy
