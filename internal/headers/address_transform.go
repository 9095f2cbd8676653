package headers

// TransformEmailAddress reshapes an address value across the four
// independent boolean dimensions JMAP's header-form matrix defines:
// whether the value as given is already group-wrapped (isGrouped) and
// whether it already carries every occurrence of the header
// (isCollection), versus the shape the caller actually asked for
// (asGrouped, asCollection). It is a direct port of
// transform_json_emailaddress from the original get.rs: same branch
// structure, same pop-the-last-occurrence behavior when collapsing a
// collection, same name:null wrapping when flattening into a group.
//
// value's elements are either address objects (map[string]any with
// "name"/"email"), group objects (map[string]any with "name"/
// "addresses"), or, one level further out when isCollection is true,
// []any of either. A nil value returns nil, matching the original's
// JSONValue::Null fallback for anything that isn't an array; an empty
// value is returned as is, except that collapsing an empty collection to
// one occurrence returns nil.
func TransformEmailAddress(value []any, isGrouped, isCollection, asGrouped, asCollection bool) any {
	if value == nil {
		return nil
	}

	if isGrouped == asGrouped && isCollection == asCollection {
		return value
	}

	if isGrouped == asGrouped {
		if asCollection && !isCollection {
			return []any{value}
		}
		// !asCollection && isCollection: the collection collapses to its
		// last occurrence, exactly as a repeated header's "all: false"
		// reading takes the last instance.
		if len(value) == 0 {
			return nil
		}
		return value[len(value)-1]
	}

	var working []any
	switch {
	case asCollection && !isCollection:
		working = []any{value}
	case !asCollection && isCollection:
		if len(value) == 0 {
			return nil
		}
		inner, _ := value[len(value)-1].([]any)
		working = inner
	default:
		working = value
	}

	if asGrouped && !isGrouped {
		return groupEachField(working, asCollection)
	}
	return flattenEachField(working, asCollection)
}

// groupEachField wraps a flat address list in a single name:null group
// ({name: null, addresses: [...]}), or, when asCollection, wraps each
// per-occurrence address list in its own single-element group list.
func groupEachField(working []any, asCollection bool) any {
	group := func(addrs []any) any {
		return map[string]any{"name": nil, "addresses": addrs}
	}
	if !asCollection {
		return []any{group(working)}
	}
	out := make([]any, len(working))
	for i, field := range working {
		addrs, _ := field.([]any)
		out[i] = []any{group(addrs)}
	}
	return out
}

// flattenEachField flattens a list of groups into one combined address
// list, or, when asCollection, flattens each occurrence's group list
// independently.
func flattenEachField(working []any, asCollection bool) any {
	if !asCollection {
		return flattenGroups(working)
	}
	out := make([]any, len(working))
	for i, field := range working {
		groups, ok := field.([]any)
		if !ok {
			out[i] = field
			continue
		}
		out[i] = flattenGroups(groups)
	}
	return out
}

func flattenGroups(groups []any) []any {
	addrs := make([]any, 0, len(groups)*2)
	for _, g := range groups {
		gm, ok := g.(map[string]any)
		if !ok {
			continue
		}
		inner, ok := gm["addresses"].([]any)
		if !ok {
			continue
		}
		addrs = append(addrs, inner...)
	}
	return addrs
}

// EmailAddressesToAny renders a flat []EmailAddress as the []any shape
// TransformEmailAddress operates on.
func EmailAddressesToAny(addrs []EmailAddress) []any {
	out := make([]any, len(addrs))
	for i, a := range addrs {
		out[i] = map[string]any{"name": a.Name, "email": a.Email}
	}
	return out
}
