// Package crawler implements the cursor-driven crawl engine: bound
// resolution, crawl modes, page retry and pacing between pages.
package crawler
