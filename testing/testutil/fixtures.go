package testutil

// FactoryIOTagsYAML is the tag map file equivalent of FactoryIOTags.
const FactoryIOTagsYAML = `tags:
  conveyor_motor:
    type: coil
    address: 0
    description: Conveyor motor
    writable: true
  sensor_1:
    type: discrete
    address: 0
    description: Entry sensor
  sensor_2:
    type: discrete
    address: 1
    description: Exit sensor
  temperature:
    type: holding
    address: 0
    length: 1
    datatype: int16
    scale: 0.1
    unit: "°C"
    writable: true
  pressure:
    type: holding
    address: 1
    datatype: uint16
    scale: 0.01
    unit: bar
  speed:
    type: holding
    address: 2
    datatype: uint16
    unit: rpm
    writable: true
  part_counter:
    type: holding
    address: 3
    datatype: uint16
  cycle_time:
    type: holding
    address: 4
    datatype: uint16
    scale: 0.1
    unit: s
`
