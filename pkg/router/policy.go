package router

import (
	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
)

// category is the policy branch a query falls into.
type category int

const (
	categoryDefault category = iota
	categoryEmergency
	categorySimple
	categoryComplex
	categoryOffline
)

// classify picks the policy branch. Emergencies keep their own reason codes
// offline; every other query offline is reported under the offline branch.
func classify(a analyzer.Analysis, online bool) category {
	switch {
	case a.IsEmergency || a.IsCritical:
		return categoryEmergency
	case !online:
		return categoryOffline
	case a.IsSimple:
		return categorySimple
	case a.IsComplex:
		return categoryComplex
	default:
		return categoryDefault
	}
}

var reasonTable = map[category]map[clinical.Kind]clinical.ReasonCode{
	categoryEmergency: {
		clinical.KindRemoteModel: clinical.ReasonEmergencyRemote,
		clinical.KindRetrieval:   clinical.ReasonEmergencyRetrieval,
		clinical.KindRule:        clinical.ReasonEmergencyRule,
	},
	categorySimple: {
		clinical.KindRemoteModel: clinical.ReasonSimpleRemote,
		clinical.KindRetrieval:   clinical.ReasonSimpleRetrieval,
		clinical.KindRule:        clinical.ReasonSimpleRule,
	},
	categoryComplex: {
		clinical.KindRemoteModel: clinical.ReasonComplexRemote,
		clinical.KindRetrieval:   clinical.ReasonComplexRetrieval,
		clinical.KindRule:        clinical.ReasonComplexRule,
	},
	categoryDefault: {
		clinical.KindRemoteModel: clinical.ReasonDefaultRemote,
		clinical.KindRetrieval:   clinical.ReasonDefaultRetrieval,
		clinical.KindRule:        clinical.ReasonDefaultRule,
	},
	categoryOffline: {
		clinical.KindRetrieval: clinical.ReasonOfflineRetrieval,
		clinical.KindRule:      clinical.ReasonOfflineRule,
	},
}

func reasonFor(c category, primary clinical.Kind) clinical.ReasonCode {
	if code, ok := reasonTable[c][primary]; ok {
		return code
	}
	return clinical.ReasonNoBackend
}

// IsEmergencyReason reports whether code was produced by the emergency branch.
func IsEmergencyReason(code clinical.ReasonCode) bool {
	switch code {
	case clinical.ReasonEmergencyRemote, clinical.ReasonEmergencyRetrieval, clinical.ReasonEmergencyRule:
		return true
	}
	return false
}
