// Package codec is the boundary to resource value serialization.
//
// Resource content is modelled as a flat list of records (path, typed value,
// optional timestamp), which covers single values, whole instances and
// time-stamped sample series alike. A Codec translates records to and from
// one content format; a Registry selects the codec by wire.ContentFormat.
//
// Every failure is reported as *Error so callers can distinguish codec
// problems from transport or protocol errors. Values are never coerced
// silently: encoding a value the format cannot carry is an error.
package codec
