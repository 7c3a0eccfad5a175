// Package crawler defines the project, crawl-job, page and audit model along with
// the interfaces the crawl pipeline is assembled from: stores, fetchers, queues,
// auditors and publishers. Concrete implementations live in sibling packages.
package crawler
