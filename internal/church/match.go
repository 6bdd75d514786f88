package church

// IsSameEntity reports whether incoming describes the same real-world church as
// stored. A pair matches when at least one strong identifier agrees (display name,
// normalized name, website or phone) and the locality gate passes (same city or
// same region).
//
// Empty values never agree, mirroring SQL NULL comparison in the postgres store.
// The locality gate is an OR: two distinct churches in one region sharing a
// diocesan phone number or website are reported as the same entity.
func IsSameEntity(stored, incoming Church) bool {
	identity := equalPresent(stored.Name, incoming.Name) ||
		equalPresent(stored.NameNormalized, incoming.NameNormalized) ||
		equalPresent(stored.Website, incoming.Website) ||
		equalPresent(stored.ContactPhone, incoming.ContactPhone)
	if !identity {
		return false
	}
	return equalPresent(stored.City, incoming.City) || equalPresent(stored.Region, incoming.Region)
}

func equalPresent(a, b string) bool {
	return a != "" && a == b
}
