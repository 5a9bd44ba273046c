package remote

// Schema creates the backend tables. Favorites and read marks carry the
// mutation time of their last write and a tombstone so removals take part in
// last-writer-wins. Articles carry cataloged_at, the server time of their
// last change, which orders catalog pulls.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
	user_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	url        TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL CHECK (type IN ('rss', 'html', 'youtube')),
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS articles (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	image_url    TEXT,
	author       TEXT,
	published_at TIMESTAMPTZ,
	fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	cataloged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, url)
);

ALTER TABLE articles ADD COLUMN IF NOT EXISTS cataloged_at TIMESTAMPTZ NOT NULL DEFAULT now();

CREATE INDEX IF NOT EXISTS idx_articles_source_published ON articles(source_id, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_cataloged ON articles(cataloged_at, id);

CREATE TABLE IF NOT EXISTS favorites (
	user_id    TEXT NOT NULL,
	article_id TEXT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, article_id)
);

CREATE TABLE IF NOT EXISTS read_articles (
	user_id    TEXT NOT NULL,
	article_id TEXT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, article_id)
);
`

// SearchFunction installs the full-text search RPC.
const SearchFunction = `
CREATE OR REPLACE FUNCTION search_articles(query TEXT, source_ids TEXT[], max_rows INT)
RETURNS SETOF articles
LANGUAGE sql STABLE AS $$
	SELECT * FROM articles
	WHERE to_tsvector('simple', title || ' ' || summary) @@ plainto_tsquery('simple', query)
	  AND (source_ids IS NULL OR cardinality(source_ids) = 0 OR source_id = ANY(source_ids))
	ORDER BY published_at DESC NULLS LAST
	LIMIT LEAST(max_rows, 50)
$$;
`
