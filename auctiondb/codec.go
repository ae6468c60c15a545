package auctiondb

import (
	"io"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/order"
	"github.com/lightninglabs/remate/params"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// seatIDType is the tlv type of a seat ID.
	seatIDType tlv.Type = 1

	// collateralType is the tlv type of the collateral brand.
	collateralType tlv.Type = 2

	// seqType is the tlv type of a sequence number.
	seqType tlv.Type = 3

	// kindType is the tlv type of an order's kind.
	kindType tlv.Type = 4

	// valueType is the tlv type of the wanted or deposited amount.
	valueType tlv.Type = 5

	// limitNumBrandType and the following three types hold an order's
	// limit ratio.
	limitNumBrandType tlv.Type = 6
	limitNumType      tlv.Type = 7
	limitDenBrandType tlv.Type = 8
	limitDenType      tlv.Type = 9

	// goalBrandType is the tlv type of a deposit goal's brand. It is only
	// present if the deposit has a goal.
	goalBrandType tlv.Type = 10

	// goalValueType is the tlv type of a deposit goal's value.
	goalValueType tlv.Type = 11

	// keywordType is the tlv type of a brand's reserve keyword.
	keywordType tlv.Type = 12
)

// serializeOrder writes an order as a tlv stream.
func serializeOrder(w io.Writer, o *order.Order) error {
	var (
		seatID     = []byte(o.SeatID)
		collateral = []byte(o.Collateral)
		seq        = o.Seq
		kind       = uint8(o.Kind)
		wanted     = o.Wanted.Value
	)

	limit := o.Price
	if o.Kind == order.KindScaled {
		limit = o.BidScaling
	}
	var (
		numBrand = []byte(limit.Numerator.Brand)
		num      = limit.Numerator.Value
		denBrand = []byte(limit.Denominator.Brand)
		den      = limit.Denominator.Value
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(seatIDType, &seatID),
		tlv.MakePrimitiveRecord(collateralType, &collateral),
		tlv.MakePrimitiveRecord(seqType, &seq),
		tlv.MakePrimitiveRecord(kindType, &kind),
		tlv.MakePrimitiveRecord(valueType, &wanted),
		tlv.MakePrimitiveRecord(limitNumBrandType, &numBrand),
		tlv.MakePrimitiveRecord(limitNumType, &num),
		tlv.MakePrimitiveRecord(limitDenBrandType, &denBrand),
		tlv.MakePrimitiveRecord(limitDenType, &den),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeOrder reads an order from a tlv stream.
func deserializeOrder(r io.Reader) (*order.Order, error) {
	var (
		seatID, collateral, numBrand, denBrand []byte
		seq, wanted, num, den                  uint64
		kind                                   uint8
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(seatIDType, &seatID),
		tlv.MakePrimitiveRecord(collateralType, &collateral),
		tlv.MakePrimitiveRecord(seqType, &seq),
		tlv.MakePrimitiveRecord(kindType, &kind),
		tlv.MakePrimitiveRecord(valueType, &wanted),
		tlv.MakePrimitiveRecord(limitNumBrandType, &numBrand),
		tlv.MakePrimitiveRecord(limitNumType, &num),
		tlv.MakePrimitiveRecord(limitDenBrandType, &denBrand),
		tlv.MakePrimitiveRecord(limitDenType, &den),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	o := &order.Order{
		SeatID:     string(seatID),
		Collateral: amount.Brand(collateral),
		Seq:        seq,
		Kind:       order.Kind(kind),
		Wanted:     amount.New(amount.Brand(collateral), wanted),
	}

	limit, err := amount.MakeRatio(
		num, amount.Brand(numBrand), den, amount.Brand(denBrand),
	)
	if err != nil {
		return nil, err
	}
	switch o.Kind {
	case order.KindPrice:
		o.Price = limit

	case order.KindScaled:
		o.BidScaling = limit

	default:
		return nil, order.ErrMalformedBid
	}

	return o, nil
}

// serializeDeposit writes a depositor claim as a tlv stream.
func serializeDeposit(w io.Writer, d *order.Deposit) error {
	var (
		seatID     = []byte(d.SeatID)
		collateral = []byte(d.Collateral)
		seq        = d.Seq
		value      = d.Amount.Value
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(seatIDType, &seatID),
		tlv.MakePrimitiveRecord(collateralType, &collateral),
		tlv.MakePrimitiveRecord(seqType, &seq),
		tlv.MakePrimitiveRecord(valueType, &value),
	}

	// The goal is optional, so its records are only added if present.
	if d.Goal != nil {
		goalBrand := []byte(d.Goal.Brand)
		goalValue := d.Goal.Value
		records = append(
			records,
			tlv.MakePrimitiveRecord(goalBrandType, &goalBrand),
			tlv.MakePrimitiveRecord(goalValueType, &goalValue),
		)
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeDeposit reads a depositor claim from a tlv stream.
func deserializeDeposit(r io.Reader) (*order.Deposit, error) {
	var (
		seatID, collateral, goalBrand []byte
		seq, value, goalValue         uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(seatIDType, &seatID),
		tlv.MakePrimitiveRecord(collateralType, &collateral),
		tlv.MakePrimitiveRecord(seqType, &seq),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(goalBrandType, &goalBrand),
		tlv.MakePrimitiveRecord(goalValueType, &goalValue),
	)
	if err != nil {
		return nil, err
	}
	parsedTypes, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}

	d := &order.Deposit{
		SeatID:     string(seatID),
		Collateral: amount.Brand(collateral),
		Seq:        seq,
		Amount:     amount.New(amount.Brand(collateral), value),
	}
	if _, ok := parsedTypes[goalBrandType]; ok {
		goal := amount.New(amount.Brand(goalBrand), goalValue)
		d.Goal = &goal
	}

	return d, nil
}

// serializeBrand writes a brand record as a tlv stream.
func serializeBrand(w io.Writer, b *order.BrandRecord) error {
	var (
		brand   = []byte(b.Brand)
		keyword = []byte(b.Keyword)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(collateralType, &brand),
		tlv.MakePrimitiveRecord(keywordType, &keyword),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeBrand reads a brand record from a tlv stream.
func deserializeBrand(r io.Reader) (*order.BrandRecord, error) {
	var brand, keyword []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(collateralType, &brand),
		tlv.MakePrimitiveRecord(keywordType, &keyword),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	return &order.BrandRecord{
		Brand:   amount.Brand(brand),
		Keyword: string(keyword),
	}, nil
}

// paramsTypes are the tlv types of the governed parameters in the order of
// paramsFields.
var paramsTypes = []tlv.Type{1, 2, 3, 4, 5, 6, 7}

// paramsFields returns pointers to all parameter values, durations included
// as their underlying integer.
func paramsFields(p *params.Params) []*uint64 {
	return []*uint64{
		(*uint64)(&p.StartFrequency),
		(*uint64)(&p.ClockStep),
		&p.StartingRate,
		&p.LowestRate,
		&p.DiscountStep,
		(*uint64)(&p.AuctionStartDelay),
		(*uint64)(&p.PriceLockPeriod),
	}
}

// serializeParams writes the governed parameters as a tlv stream.
func serializeParams(w io.Writer, p params.Params) error {
	fields := paramsFields(&p)
	records := make([]tlv.Record, len(fields))
	for i, f := range fields {
		records[i] = tlv.MakePrimitiveRecord(paramsTypes[i], f)
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeParams reads the governed parameters from a tlv stream.
func deserializeParams(r io.Reader) (*params.Params, error) {
	p := &params.Params{}

	fields := paramsFields(p)
	records := make([]tlv.Record, len(fields))
	for i, f := range fields {
		records[i] = tlv.MakePrimitiveRecord(paramsTypes[i], f)
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	return p, nil
}
