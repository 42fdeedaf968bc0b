// Package matcher resolves a parsed listing to a property in the dataset.
//
// Normalization applies, in order: Unicode NFKC (folds full-width letters and
// digits and half-width kana), lower-casing, abbreviation expansion, removal of
// a trailing room number such as "101号室", and removal of whitespace and
// punctuation. Addresses additionally fold 丁目, 番地, 番 and の separators to
// "-" so that "1丁目2番3号" and "1-2-3" compare equal. Abbreviation tables are
// built in and may be extended by a YAML file with "name" and "address" maps.
//
// Lookup first tries exact normalized keys: name plus address, then name only,
// then address only. The address-only key settles a listing without a name.
// For a named listing an address-equal property also needs a name similarity
// of at least 0.5, since every building in a 丁目 block can share the same
// address. Otherwise every property is scored with the Dice coefficient over
// character bigrams:
//
//	score = 0.6*nameSimilarity + 0.4*addressSimilarity
//
// when both sides carry both fields, or the similarity of whichever field is
// available otherwise. The best candidate wins when its score reaches the
// configured threshold (0.72 by default).
//
// Candidates whose scores are equal within 1e-9 are ordered by exact address
// equality, then by the number of agreeing advisory attributes (layout equal,
// area within 0.5 m², rent within 1,000 yen), then by lowest dataset index.
// Matching is deterministic for a given snapshot.
package matcher
