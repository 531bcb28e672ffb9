package db

// schema is the reference database layout. Compounds own adducts, adducts own
// CCS, RT and MS2 measurements, and every measurement records its source.
const schema = `
CREATE TABLE IF NOT EXISTS VersionInfo (
	go_ver TEXT NOT NULL,
	idpp_ver TEXT NOT NULL,
	db_ver TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ChangeLog (
	tstamp TEXT NOT NULL,
	author TEXT NOT NULL,
	notes TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS Sources (
	src_id INTEGER PRIMARY KEY,
	src_name TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS Compounds (
	cmpd_id INTEGER PRIMARY KEY,
	cmpd_name TEXT UNIQUE NOT NULL,
	formula TEXT,
	inchi_key TEXT
);

CREATE TABLE IF NOT EXISTS Adducts (
	adduct_id INTEGER PRIMARY KEY,
	adduct TEXT NOT NULL,
	cmpd_id INTEGER NOT NULL REFERENCES Compounds(cmpd_id),
	adduct_z INTEGER NOT NULL,
	adduct_mz REAL NOT NULL,
	UNIQUE(adduct, cmpd_id)
);

CREATE TABLE IF NOT EXISTS CCSs (
	ccs_id INTEGER PRIMARY KEY,
	ccs REAL NOT NULL,
	adduct_id INTEGER NOT NULL REFERENCES Adducts(adduct_id),
	src_id INTEGER NOT NULL REFERENCES Sources(src_id)
);

CREATE TABLE IF NOT EXISTS RTs (
	rt_id INTEGER PRIMARY KEY,
	rt REAL NOT NULL,
	adduct_id INTEGER NOT NULL REFERENCES Adducts(adduct_id),
	src_id INTEGER NOT NULL REFERENCES Sources(src_id)
);

CREATE TABLE IF NOT EXISTS MS2Spectra (
	ms2_id INTEGER PRIMARY KEY,
	adduct_id INTEGER NOT NULL REFERENCES Adducts(adduct_id),
	ms2_n_spectra INTEGER NOT NULL DEFAULT 1,
	ms2_ce TEXT
);

CREATE TABLE IF NOT EXISTS MS2Fragments (
	ms2_id INTEGER NOT NULL REFERENCES MS2Spectra(ms2_id),
	frag_imz INTEGER NOT NULL,
	frag_ii INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS MS2Sources (
	ms2_id INTEGER NOT NULL REFERENCES MS2Spectra(ms2_id),
	src_id INTEGER NOT NULL REFERENCES Sources(src_id),
	UNIQUE(ms2_id, src_id)
);

CREATE TABLE IF NOT EXISTS Datasets (
	dataset_id INTEGER PRIMARY KEY,
	description TEXT,
	query TEXT
);

CREATE TABLE IF NOT EXISTS AnalysisResults (
	dataset_id INTEGER NOT NULL REFERENCES Datasets(dataset_id),
	n_counts INTEGER NOT NULL,
	mz_tol REAL NOT NULL,
	rt_tol REAL,
	ccs_tol REAL,
	ms2_tol REAL,
	counts BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_adducts_cmpd ON Adducts(cmpd_id);
CREATE INDEX IF NOT EXISTS idx_ccss_adduct ON CCSs(adduct_id);
CREATE INDEX IF NOT EXISTS idx_rts_adduct ON RTs(adduct_id);
CREATE INDEX IF NOT EXISTS idx_ms2spectra_adduct ON MS2Spectra(adduct_id);
CREATE INDEX IF NOT EXISTS idx_ms2fragments_ms2 ON MS2Fragments(ms2_id);
`
