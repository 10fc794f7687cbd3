// Package ingest turns uploaded ZIP archives into stored chapters.
//
// An archive holds one directory per series; each series directory holds
// metadata text files (cover.*, description.txt, genres.txt,
// alt_titles.txt, type.txt, status.txt) and chapter sub-directories
// whose names carry the chapter number. The engine extracts the archive,
// analyzes every series, plans the work against the catalog, then stages
// and uploads one batched folder copy per chapter, mirroring to backup
// remotes in the background. Interrupted imports leave a resume token
// that skips chapters already uploaded.
package ingest
