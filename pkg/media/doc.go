/*
Package media handles the content-addressed image blobs stored under
an SD's media directory. Blobs are registered lazily: a background
scan on SD open (and on demand) registers any file a peer delivered
before this instance had a record for it.
*/
package media
